package command

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rover-control/rover/internal/motion"
)

// Verb is a recognised command keyword.
type Verb string

const (
	VerbForward  Verb = "forward"
	VerbBackward Verb = "backward"
	VerbLeft     Verb = "left"
	VerbRight    Verb = "right"
	VerbStop     Verb = "stop"
	VerbSpeed    Verb = "speed"
)

const speedPrefix = "speed:"

// Command is a parsed and validated request.
type Command struct {
	Verb  Verb
	Value float64 // set for VerbSpeed
	Raw   string  // trimmed wire text
}

// ParseError reports a speed value that is not a finite number.
type ParseError struct {
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid speed value %q: %v", e.Input, e.Err)
	}
	return fmt.Sprintf("invalid speed value %q", e.Input)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// RangeError reports a speed value outside the accepted bounds.
type RangeError struct {
	Value float64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("speed %v out of range [%.1f, %.1f]", e.Value, motion.MinSpeed, motion.MaxSpeed)
}

func (e *RangeError) Unwrap() error {
	return motion.ErrSpeedOutOfRange
}

// UnknownCommandError reports a token that matches no verb.
type UnknownCommandError struct {
	Command string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command %q", e.Command)
}

// Parse validates a raw request token.
//
// Surrounding whitespace is ignored. Verbs are case-sensitive. A speed value
// must be a finite decimal float within [motion.MinSpeed, motion.MaxSpeed].
func Parse(raw string) (Command, error) {
	text := strings.TrimSpace(raw)

	switch Verb(text) {
	case VerbForward, VerbBackward, VerbLeft, VerbRight, VerbStop:
		return Command{Verb: Verb(text), Raw: text}, nil
	}

	if !strings.HasPrefix(text, speedPrefix) {
		return Command{Raw: text}, &UnknownCommandError{Command: text}
	}

	input := strings.TrimSpace(strings.TrimPrefix(text, speedPrefix))
	// Hex floats are Go syntax, not a decimal speed
	if input == "" || strings.ContainsAny(input, "xX") {
		return Command{Verb: VerbSpeed, Raw: text}, &ParseError{Input: input}
	}
	v, err := strconv.ParseFloat(input, 64)
	if err != nil {
		return Command{Verb: VerbSpeed, Raw: text}, &ParseError{Input: input, Err: err}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Command{Verb: VerbSpeed, Raw: text}, &ParseError{Input: input}
	}
	if !(v >= motion.MinSpeed && v <= motion.MaxSpeed) {
		return Command{Verb: VerbSpeed, Value: v, Raw: text}, &RangeError{Value: v}
	}

	return Command{Verb: VerbSpeed, Value: v, Raw: text}, nil
}
