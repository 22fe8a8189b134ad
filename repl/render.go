package repl

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/drpcorg/liveobjects/objects"
)

// Render prints an object and everything reachable from it. An object
// met again on the same path prints as its id.
func Render(obj objects.Object) string {
	var b strings.Builder
	render(&b, obj, 0, make(map[string]bool))
	return b.String()
}

func render(b *strings.Builder, obj objects.Object, depth int, path map[string]bool) {
	if obj.IsTombstoned() {
		b.WriteString("<deleted " + obj.ObjectID() + ">")
		return
	}
	switch o := obj.(type) {
	case *objects.Counter:
		b.WriteString(strconv.FormatFloat(o.Value(), 'g', -1, 64))
	case *objects.Map:
		if path[o.ObjectID()] {
			b.WriteString("<" + o.ObjectID() + ">")
			return
		}
		path[o.ObjectID()] = true
		defer delete(path, o.ObjectID())
		items := o.Entries()
		if len(items) == 0 {
			b.WriteString("{}")
			return
		}
		b.WriteString("{\n")
		indent := strings.Repeat("  ", depth+1)
		for _, item := range items {
			b.WriteString(indent + item.Key + ": ")
			renderValue(b, item.Value, depth+1, path)
			b.WriteString("\n")
		}
		b.WriteString(strings.Repeat("  ", depth) + "}")
	}
}

func renderValue(b *strings.Builder, v objects.Value, depth int, path map[string]bool) {
	if v.Object != nil {
		render(b, v.Object, depth, path)
		return
	}
	if s, ok := v.String(); ok {
		b.WriteString(strconv.Quote(s))
	} else if n, ok := v.Number(); ok {
		b.WriteString(strconv.FormatFloat(n, 'g', -1, 64))
	} else if t, ok := v.Bool(); ok {
		b.WriteString(strconv.FormatBool(t))
	} else if raw, ok := v.Bytes(); ok {
		b.WriteString(fmt.Sprintf("0x%x", raw))
	} else if doc, ok := v.JSON(); ok {
		out, _ := json.Marshal(doc)
		b.Write(out)
	}
}
