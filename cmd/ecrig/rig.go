package main

import (
	"context"
	"errors"
	"os"

	"github.com/tebeka/atexit"

	"github.com/nasa-jpl/ecrig/action"
	"github.com/nasa-jpl/ecrig/hal"
	"github.com/nasa-jpl/ecrig/openscale"
	"github.com/nasa-jpl/ecrig/position"
	"github.com/nasa-jpl/ecrig/procedure"
)

var errNoHardware = errors.New("no hardware driver is built in; set hal.mock or pass --mock")

// simulated load cell: force rises past a quarter of the stroke
const (
	mockContact   = hal.MaxLevel / 4
	mockStiffness = 0.01
)

// rig is the hardware and procedure a command works with
type rig struct {
	HAL  hal.Interface
	Proc *procedure.Procedure
	Env  *action.Env

	cell   *openscale.Scale
	cancel context.CancelFunc
	done   chan struct{}
	exitID atexit.HandlerID
}

// operator prompts on the terminal
func operator() position.Operator {
	return &position.TerminalOperator{In: os.Stdin, Out: os.Stdout, Spin: true}
}

// openRig builds the HAL described by the configuration.  The actuator is
// stopped by Close, and by atexit if the process dies first.
func openRig(ctx context.Context, op position.Operator) (*rig, error) {
	if !doc.HAL.Mock {
		return nil, errNoHardware
	}
	m := hal.NewMock(hal.MaxLevel/2, doc.Config.SampleRate)
	ctx, cancel := context.WithCancel(ctx)
	r := &rig{HAL: m, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(r.done)
		if err := m.Run(ctx); err != nil {
			logger.Errorw("simulated rig stopped", "err", err)
		}
	}()
	r.exitID = atexit.Register(func() { m.StopAll() })

	var cell position.ForceReader
	if lc := doc.LoadCell; lc.Addr != "" {
		r.cell = openscale.New(lc.Addr, lc.Serial, cellSettings(), logger)
		cell = r.cell
	} else {
		logger.Infow("no load cell configured, simulating one", "contact", mockContact)
		cell = &hal.MockSpring{Rig: m, Contact: mockContact, Stiffness: mockStiffness}
	}

	proc, err := procedure.New(doc, flags.config, action.Builtins())
	if err != nil {
		r.Close()
		return nil, err
	}
	r.Proc = proc
	r.Env = proc.Env(m, cell, op, logger)
	return r, nil
}

// cellSettings are the OpenScale settings assumed from the configuration
func cellSettings() openscale.Settings {
	s := openscale.DefaultSettings()
	s.Baud, s.Timestamp, s.Units = doc.LoadCell.Baud, doc.LoadCell.Timestamp, doc.LoadCell.Units
	return s
}

// NewEnv returns a fresh environment, with its own run ID
func (r *rig) NewEnv() *action.Env {
	env := r.Proc.Env(r.HAL, r.Env.LoadCell, r.Env.Operator, logger)
	env.Positioner = r.Env.Positioner
	return env
}

// Close zeroes the actuator and stops the sampling loop
func (r *rig) Close() error {
	err := r.HAL.StopAll()
	r.cancel()
	<-r.done
	if r.cell != nil {
		r.cell.Lock()
		if cerr := r.cell.Close(); cerr != nil && err == nil {
			err = cerr
		}
		r.cell.Unlock()
	}
	r.exitID.Cancel()
	return err
}
