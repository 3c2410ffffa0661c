package marker

import (
	"sync"

	md "wuyrush.io/pinmap/models"
	"wuyrush.io/pinmap/state/window"
)

// Value is the animated value of one contextual composer button. The zero Value is the rest state.
type Value struct {
	Opacity float64 `json:"opacity"`
	Scale   float64 `json:"scale"`
}

var shown = Value{Opacity: 1, Scale: 1}

// Step moves one button to To. Steps are ordered; the presentation layer picks the timing.
type Step struct {
	Button int   `json:"button"`
	From   Value `json:"from"`
	To     Value `json:"to"`
}

// Composer plans the entering and exiting sequences of the composer's contextual buttons. It holds
// plain values only and leaves timing and easing to the presentation layer.
type Composer struct {
	window *window.Store

	mu     sync.Mutex
	values []Value
}

func NewComposer(w *window.Store, buttons int) *Composer {
	return &Composer{window: w, values: make([]Value, buttons)}
}

func (c *Composer) Values() []Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Value{}, c.values...)
}

// Entering returns the staggered plan revealing every button in order. Values left over from an
// interrupted sequence are reset first so they never leak into this one.
func (c *Composer) Entering() []Step {
	c.mu.Lock()
	defer c.mu.Unlock()
	steps := make([]Step, len(c.values))
	for i := range c.values {
		steps[i] = Step{Button: i, From: Value{}, To: shown}
		c.values[i] = shown
	}
	return steps
}

// Exit is the plan of an exiting sequence. Done must be called once the sequence completed; it
// switches the window to the requested panel and resets every value to zero. Calling Done more than
// once has no further effect.
type Exit struct {
	Steps []Step
	Done  func()
}

// Exiting returns the plan hiding the buttons in reverse order, followed by the switch to next
func (c *Composer) Exiting(next md.Window) Exit {
	c.mu.Lock()
	steps := make([]Step, 0, len(c.values))
	for i := len(c.values) - 1; i >= 0; i-- {
		steps = append(steps, Step{Button: i, From: c.values[i], To: Value{}})
	}
	c.mu.Unlock()
	var once sync.Once
	return Exit{
		Steps: steps,
		Done: func() {
			once.Do(func() {
				c.reset()
				c.window.SetActive(next)
			})
		},
	}
}

func (c *Composer) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.values {
		c.values[i] = Value{}
	}
}
