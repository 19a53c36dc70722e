package controller

import (
	"context"
	"sync"
	"time"

	"github.com/eiannone/keyboard"
	"github.com/rs/zerolog"
)

// DefaultLatch covers the gap between a key press and the terminal's first
// auto-repeat.
const DefaultLatch = 300 * time.Millisecond

type binding int

const (
	bindUp binding = iota
	bindDown
	bindLeft
	bindRight
	bindSteerLeft
	bindSteerRight
	bindCross
	bindKill
	bindHome
)

// Keypad drives a Store from single key presses, for use without a
// gamepad. A terminal only reports presses, so each binding stays held for
// the latch window after its last press or auto-repeat.
//
//	arrows / w a s d   dpad
//	q / e              steer left / right
//	1..9, 0            dpad speed 10%..90%, 0 for full
//	x / space          distance
//	r                  reset (both shoulders)
//	esc / ctrl-c       exit
type Keypad struct {
	store *Store
	latch time.Duration
	log   zerolog.Logger
	now   func() time.Time

	mu    sync.Mutex
	held  map[binding]time.Time
	speed float64
}

func NewKeypad(store *Store, latch time.Duration, log zerolog.Logger) *Keypad {
	if latch <= 0 {
		latch = DefaultLatch
	}
	return &Keypad{
		store: store,
		latch: latch,
		log:   log,
		now:   time.Now,
		held:  make(map[binding]time.Time),
	}
}

type keyEvent struct {
	ch  rune
	key keyboard.Key
}

// Run opens the keyboard, marks the store connected and feeds it until ctx
// ends. A keyboard read error disconnects the store.
func (k *Keypad) Run(ctx context.Context) error {
	if err := keyboard.Open(); err != nil {
		k.store.Disconnect()
		return err
	}
	defer func() { _ = keyboard.Close() }()
	k.store.Connect()
	k.log.Info().Msg("keypad ready")

	events := make(chan keyEvent, 64)
	fatal := make(chan error, 1)
	go readKeys(keyboard.GetKey, events, fatal)
	return k.serve(ctx, events, fatal)
}

// readKeys forwards key presses until get fails. Presses are dropped while
// events is full; the read error is always delivered on fatal.
func readKeys(get func() (rune, keyboard.Key, error), events chan<- keyEvent, fatal chan<- error) {
	for {
		ch, key, err := get()
		if err != nil {
			fatal <- err
			return
		}
		select {
		case events <- keyEvent{ch: ch, key: key}:
		default:
		}
	}
}

func (k *Keypad) serve(ctx context.Context, events <-chan keyEvent, fatal <-chan error) error {
	tick := time.NewTicker(k.latch / 4)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-fatal:
			k.log.Error().Err(err).Msg("keypad read failed")
			k.store.Disconnect()
			return err
		case ev := <-events:
			if !k.press(ev.ch, ev.key) {
				k.log.Debug().Str("key", string(ev.ch)).Msg("unbound key")
			}
		case <-tick.C:
			k.refresh()
		}
	}
}

// press records one key event and publishes the resulting state. It
// reports whether the key is bound.
func (k *Keypad) press(ch rune, key keyboard.Key) bool {
	b, ok := bindingFor(ch, key)
	k.mu.Lock()
	switch {
	case ok:
		k.held[b] = k.now()
	case ch >= '1' && ch <= '9':
		k.speed = float64(ch-'0') / 10
		ok = true
	case ch == '0':
		k.speed = 0
		ok = true
	}
	k.mu.Unlock()
	if ok {
		k.refresh()
	}
	return ok
}

func bindingFor(ch rune, key keyboard.Key) (binding, bool) {
	switch key {
	case keyboard.KeyArrowUp:
		return bindUp, true
	case keyboard.KeyArrowDown:
		return bindDown, true
	case keyboard.KeyArrowLeft:
		return bindLeft, true
	case keyboard.KeyArrowRight:
		return bindRight, true
	case keyboard.KeySpace:
		return bindCross, true
	case keyboard.KeyEsc, keyboard.KeyCtrlC:
		return bindHome, true
	}
	switch ch {
	case 'w', 'W':
		return bindUp, true
	case 's', 'S':
		return bindDown, true
	case 'a', 'A':
		return bindLeft, true
	case 'd', 'D':
		return bindRight, true
	case 'q', 'Q':
		return bindSteerLeft, true
	case 'e', 'E':
		return bindSteerRight, true
	case 'x', 'X':
		return bindCross, true
	case 'r', 'R':
		return bindKill, true
	}
	return 0, false
}

// refresh drops expired bindings and writes the state to the store.
func (k *Keypad) refresh() {
	now := k.now()
	k.mu.Lock()
	for b, at := range k.held {
		if now.Sub(at) > k.latch {
			delete(k.held, b)
		}
	}
	st := State{RightTrigger: k.speed}
	_, st.DpadUp = k.held[bindUp]
	_, st.DpadDown = k.held[bindDown]
	_, st.DpadLeft = k.held[bindLeft]
	_, st.DpadRight = k.held[bindRight]
	_, st.Cross = k.held[bindCross]
	_, st.Home = k.held[bindHome]
	if _, ok := k.held[bindKill]; ok {
		st.LeftShoulder, st.RightShoulder = true, true
	}
	_, left := k.held[bindSteerLeft]
	_, right := k.held[bindSteerRight]
	switch {
	case left && !right:
		st.RightThumbstick.X = -1
	case right && !left:
		st.RightThumbstick.X = 1
	}
	k.mu.Unlock()
	k.store.Set(st)
}
