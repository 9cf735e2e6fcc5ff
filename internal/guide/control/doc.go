// Package control turns RA/DEC drift into correction pulses.
//
// Responsibilities: per-axis drift ring buffers, the proportional, integral
// and derivative terms, direction enable policy, min/max pulse clamping,
// RMS statistics and the optional predictive RA model.
// Key types: InParams, OutParams, DriftBuffer, Controller, Predictor.
//
// The controller is driven once per frame by the guide session and holds no
// locks; it must not be shared between sessions.
package control
