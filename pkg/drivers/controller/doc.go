// Package controller provides drivers for the controller device family:
// the microcontroller board carrying the motors, sensors, LEDs and buzzer.
//
// SimBoard is an in-memory board for development and tests. SerialBoard
// speaks a small request/response protocol to the board firmware over a
// serial line, one length-prefixed CBOR frame per message. Serve is the
// firmware side of that protocol.
package controller
