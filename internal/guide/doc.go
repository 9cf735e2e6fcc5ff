// Package guide owns the shared vocabulary of the autoguiding engine.
//
// Responsibilities: pixel/arcsecond vectors and the "no star" sentinel,
// mount axes and pulse directions with their fixed log labels, and the
// Guider command surface shared by the internal engine (session) and the
// external guider adapter (extguide).
// Key types: Vector, Axis, Direction, Guider.
//
// Dependency rule: guide depends on nothing else in this module. Algorithm
// packages (frame, calibration, starfind, multistar, control, session)
// depend on guide, never the reverse.
package guide
