package sandbox

import (
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"github.com/dop251/goja"
)

// DOM provides a document proxy for sandboxed JavaScript over a parsed page
type DOM struct {
	mu      sync.RWMutex
	doc     *goquery.Document
	changes []DOMChange
}

// DOMChange represents a DOM modification made by a script
type DOMChange struct {
	Type     string // set_attribute, set_text, remove
	Selector string // tag#id of the element
	Property string
	Value    string
}

// NewDOM wraps a parsed document
func NewDOM(doc *goquery.Document) *DOM {
	return &DOM{doc: doc}
}

// Title returns the document title
func (d *DOM) Title() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return strings.TrimSpace(d.doc.Find("title").First().Text())
}

// HTML renders the current document
func (d *DOM) HTML() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out, err := d.doc.Html()
	if err != nil {
		return ""
	}
	return out
}

// Find runs fn over the elements matching selector under a read lock
func (d *DOM) Find(selector string, fn func(*goquery.Selection)) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn(d.doc.Find(selector))
}

// XPathAttr returns attr of the first element matching the XPath expr
func (d *DOM) XPathAttr(expr, attr string) (string, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.doc.Nodes) == 0 {
		return "", false, nil
	}
	node, err := htmlquery.Query(d.doc.Nodes[0], expr)
	if err != nil || node == nil {
		return "", false, err
	}
	for _, a := range node.Attr {
		if a.Key == attr {
			return a.Val, true, nil
		}
	}
	return "", false, nil
}

// Changes returns accumulated DOM changes
func (d *DOM) Changes() []DOMChange {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]DOMChange{}, d.changes...)
}

func (d *DOM) recordChange(c DOMChange) {
	d.changes = append(d.changes, c)
}

// object builds the document global
func (d *DOM) object(vm *goja.Runtime, location func() string) *goja.Object {
	document := vm.NewObject()

	_ = document.DefineAccessorProperty("title", vm.ToValue(d.Title), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = document.DefineAccessorProperty("URL", vm.ToValue(location), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = document.Set("readyState", "complete")

	_ = document.Set("querySelector", func(selector string) goja.Value {
		d.mu.RLock()
		sel := d.doc.Find(selector).First()
		d.mu.RUnlock()
		if sel.Length() == 0 {
			return goja.Null()
		}
		return d.element(vm, sel)
	})
	_ = document.Set("querySelectorAll", func(selector string) goja.Value {
		return d.elements(vm, selector)
	})
	_ = document.Set("getElementById", func(id string) goja.Value {
		d.mu.RLock()
		sel := d.doc.Find("[id]").FilterFunction(func(_ int, s *goquery.Selection) bool {
			v, _ := s.Attr("id")
			return v == id
		}).First()
		d.mu.RUnlock()
		if sel.Length() == 0 {
			return goja.Null()
		}
		return d.element(vm, sel)
	})
	_ = document.Set("getElementsByTagName", func(tag string) goja.Value {
		return d.elements(vm, tag)
	})
	_ = document.Set("getElementsByClassName", func(class string) goja.Value {
		return d.elements(vm, "."+class)
	})

	return document
}

func (d *DOM) elements(vm *goja.Runtime, selector string) goja.Value {
	d.mu.RLock()
	sel := d.doc.Find(selector)
	d.mu.RUnlock()

	out := make([]interface{}, 0, sel.Length())
	sel.Each(func(_ int, s *goquery.Selection) {
		out = append(out, d.element(vm, s))
	})
	return vm.ToValue(out)
}

// element creates a proxy for one DOM element
func (d *DOM) element(vm *goja.Runtime, sel *goquery.Selection) *goja.Object {
	el := vm.NewObject()
	node := sel.Get(0)
	describe := func() string {
		if id, ok := sel.Attr("id"); ok {
			return node.Data + "#" + id
		}
		return node.Data
	}

	_ = el.Set("tagName", strings.ToUpper(node.Data))
	_ = el.DefineAccessorProperty("id", vm.ToValue(func() string {
		v, _ := sel.Attr("id")
		return v
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = el.DefineAccessorProperty("className", vm.ToValue(func() string {
		v, _ := sel.Attr("class")
		return v
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = el.DefineAccessorProperty("textContent",
		vm.ToValue(func() string {
			d.mu.RLock()
			defer d.mu.RUnlock()
			return sel.Text()
		}),
		vm.ToValue(func(text string) {
			d.mu.Lock()
			defer d.mu.Unlock()
			sel.SetText(text)
			d.recordChange(DOMChange{Type: "set_text", Selector: describe(), Value: text})
		}),
		goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = el.DefineAccessorProperty("innerHTML", vm.ToValue(func() string {
		d.mu.RLock()
		defer d.mu.RUnlock()
		out, _ := sel.Html()
		return out
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)

	_ = el.Set("getAttribute", func(name string) goja.Value {
		d.mu.RLock()
		defer d.mu.RUnlock()
		if v, ok := sel.Attr(name); ok {
			return vm.ToValue(v)
		}
		return goja.Null()
	})
	_ = el.Set("hasAttribute", func(name string) bool {
		d.mu.RLock()
		defer d.mu.RUnlock()
		_, ok := sel.Attr(name)
		return ok
	})
	_ = el.Set("setAttribute", func(name, value string) {
		d.mu.Lock()
		defer d.mu.Unlock()
		sel.SetAttr(name, value)
		d.recordChange(DOMChange{Type: "set_attribute", Selector: describe(), Property: name, Value: value})
	})
	_ = el.Set("remove", func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.recordChange(DOMChange{Type: "remove", Selector: describe()})
		sel.Remove()
	})
	_ = el.Set("querySelector", func(selector string) goja.Value {
		d.mu.RLock()
		child := sel.Find(selector).First()
		d.mu.RUnlock()
		if child.Length() == 0 {
			return goja.Null()
		}
		return d.element(vm, child)
	})

	return el
}
