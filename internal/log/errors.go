package log

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

type callSite interface {
	PC() uintptr
}

// errorFields describes err for an error-level record: the error itself,
// the first concrete and the innermost type, every distinct message in the
// chain, and with links enabled the file/line each wrap happened at.
func (l *logger) errorFields(err error) []any {
	surface, cause := errorTypes(err)
	kv := []any{
		"err", err,
		"error_type", surface,
		"cause_type", cause,
	}
	if chain := errorChain(err); len(chain) > 0 {
		kv = append(kv, "error_chain", chain)
	}
	if l.errorLinks {
		kv = append(kv, "error_links", errorLinks(err, l.maxErrorLinks))
	}
	return kv
}

// errorChain lists the messages down the Unwrap chain, collapsing repeats
// from wrappers that do not add text. Joined errors are listed after.
func errorChain(err error) []string {
	var out []string
	last := ""
	add := func(msg string) {
		if msg != last {
			out = append(out, msg)
			last = msg
		}
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		add(e.Error())
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			add(e.Error())
		}
	}
	return out
}

// errorLinks walks at most limit links. The outermost link is always included,
// the rest only when a source position is known.
func errorLinks(err error, limit int) []map[string]any {
	var links []map[string]any
	for depth, e := 0, err; e != nil && (limit <= 0 || depth < limit); depth, e = depth+1, errors.Unwrap(e) {
		link := map[string]any{"msg": e.Error()}

		fn, file, line, ok := linkPosition(e)
		if ok {
			link["func"], link["file"], link["line"] = fn, file, line
		}
		if depth == 0 || ok {
			links = append(links, link)
		}
	}
	return links
}

func linkPosition(e error) (fn, file string, line int, ok bool) {
	switch v := e.(type) {
	case callSite:
		return frameAt(v.PC())
	case stackTracer:
		return firstAppFrame(v.StackPCs())
	}
	return "", "", 0, false
}

// errorTypes returns the first type in the chain that is not a bare wrapper
// (xerrors or fmt.Errorf %w) and the type of the innermost error.
func errorTypes(err error) (surface, cause string) {
	if err == nil {
		return "", ""
	}
	var inner error
	for e := err; e != nil; e = errors.Unwrap(e) {
		inner = e
		if surface == "" && !isWrapperType(e) {
			surface = fmt.Sprintf("%T", e)
		}
	}
	if surface == "" {
		surface = fmt.Sprintf("%T", err)
	}
	return surface, fmt.Sprintf("%T", inner)
}

func isWrapperType(e error) bool {
	t := reflect.TypeOf(e)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if strings.HasSuffix(t.PkgPath(), "/internal/xerrors") {
		return true
	}
	return t.PkgPath() == "fmt" && t.Name() == "wrapError"
}
