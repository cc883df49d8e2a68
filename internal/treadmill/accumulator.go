package treadmill

import "github.com/lowaak/treadmill-sync/internal/protocol"

// accumulator collects the partial readings of one polling round
type accumulator struct {
	current protocol.Reading
}

func (a *accumulator) add(r protocol.Reading) {
	a.current.Merge(r)
}

// take returns the merged reading and starts a new round
func (a *accumulator) take() protocol.Reading {
	r := a.current
	a.current = protocol.Reading{}
	return r
}
