// Package motion implements differential drive control for a two-wheel rover.
//
// A Controller owns the motion state (speed, moving, direction) and is the
// only component that writes to the actuator. Straight motion drives both
// wheels equally; turns follow the configured TurnMode. Any actuator failure
// triggers a fallback stop so the vehicle never keeps moving on a partial
// write.
package motion
