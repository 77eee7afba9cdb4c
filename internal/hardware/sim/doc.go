// Package sim is a simulated plant for running the lockbox without lab
// hardware. A single detuning drifts as a random walk; outputs add their
// actuator offsets to it, and locked outputs integrate the error towards
// their setpoint. Inputs report the configured signal model evaluated at the
// effective detuning plus Gaussian noise.
package sim
