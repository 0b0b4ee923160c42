package clearance

import (
	"fmt"
	"sync"

	"github.com/robertkrimen/otto"
)

// jsInterpreter evaluates challenge scripts in-process with the otto
// pure-Go JavaScript engine. No headless browser, no external process. A
// mutex serialises access so one interpreter can be shared by the solvers
// of a single session.
type jsInterpreter struct {
	vm *otto.Otto
	mu sync.Mutex
}

// newJSInterpreter seeds a VM with the minimal browser globals challenge
// scripts reference: window, document with element lookup, location bound
// to the challenged host, and navigator.userAgent.
func newJSInterpreter(userAgent, pageURL string) (*jsInterpreter, error) {
	vm := otto.New()

	bootstrap := fmt.Sprintf(`
var window = this;
var location = { href: %q, hash: "" };
var navigator = { userAgent: %q };
var document = {
	cookie: "",
	_els: {},
	_html: {},
	getElementById: function(id) {
		if (!this._els[id]) {
			this._els[id] = { value: "", innerHTML: (this._html[id] || ""), style: {} };
		}
		return this._els[id];
	},
	createElement: function() {
		return { firstChild: { href: location.href } };
	},
	addEventListener: function() {},
	attachEvent: function() {}
};
`, pageURL, userAgent)

	if _, err := vm.Run(bootstrap); err != nil {
		return nil, fmt.Errorf("interpreter bootstrap: %w", err)
	}
	return &jsInterpreter{vm: vm}, nil
}

// seedHiddenDiv registers the innerHTML of a hidden div so scripts that
// read challenge constants out of the DOM find them.
func (i *jsInterpreter) seedHiddenDiv(id, content string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	script := fmt.Sprintf("document._html[%q] = %q;", id, content)
	if _, err := i.vm.Run(script); err != nil {
		return fmt.Errorf("interpreter seed div: %w", err)
	}
	return nil
}

// eval runs a script and returns the final expression value as a string.
func (i *jsInterpreter) eval(script string) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	val, err := i.vm.Run(script)
	if err != nil {
		return "", fmt.Errorf("interpreter eval: %w", err)
	}
	out, err := val.ToString()
	if err != nil {
		return "", fmt.Errorf("interpreter result: %w", err)
	}
	return out, nil
}

// elementValue reads back the value property of a DOM stub element, which
// is where answer-form scripts deposit their result.
func (i *jsInterpreter) elementValue(id string) (string, error) {
	return i.eval(fmt.Sprintf("document.getElementById(%q).value", id))
}

// cookie returns whatever the script wrote to document.cookie.
func (i *jsInterpreter) cookie() (string, error) {
	return i.eval("document.cookie")
}
