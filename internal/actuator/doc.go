// Package actuator defines the wheel driver interface of the rover.
//
// Backends translate per-wheel drive requests into hardware writes. The
// fake backend records calls for tests, sysfs toggles GPIO lines through
// /sys/class/gpio and serial speaks a line protocol to a motor driver board.
package actuator
