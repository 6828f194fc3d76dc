package kms

import (
	"github.com/NeowayLabs/kmspipe/mode"
)

// CommitMode selects how far CommitPipelines goes.
type CommitMode int

const (
	// CommitTest only asks the kernel whether the state would work.
	CommitTest CommitMode = iota
	// Commit applies the state without asking for a flip event.
	Commit
	CommitWithPageflipEvent
)

func (m CommitMode) String() string {
	switch m {
	case CommitTest:
		return "test"
	case Commit:
		return "commit"
	}
	return "commit with pageflip event"
}

// CommitPipelines applies the staged state of all pipelines with one
// atomic request, first as a test. Either every pipeline takes its new
// state or all of them are rolled back. All pipelines must belong to
// the same Gpu.
//
// In legacy mode it performs the modesets the pipelines still need.
func CommitPipelines(pipelines []*Pipeline, cm CommitMode) bool {
	if len(pipelines) == 0 {
		return true
	}
	gpu := pipelines[0].gpu
	if !gpu.atomic {
		for _, p := range pipelines {
			if p.active && p.legacyNeedsModeset && !p.Modeset(p.ModeIndex()) {
				return false
			}
		}
		return true
	}

	req := mode.NewAtomicRequest()
	var flags uint32
	for _, p := range pipelines {
		if !p.checkTestBuffer() {
			p.log.Warn().Msg("no buffer for the test commit")
			return rollbackPipelines(pipelines)
		}
		p.populateAtomicValues(req, &flags)
	}
	if cm != CommitWithPageflipEvent {
		flags &^= mode.PageFlipEvent
	}

	log := gpu.log.With().Stringer("mode", cm).Uint32("flags", flags).Logger()
	if err := gpu.card.AtomicCommit(req, flags&^mode.PageFlipEvent|mode.AtomicTestOnly, 0); err != nil {
		log.Debug().Err(err).Msg("atomic test commit failed")
		return rollbackPipelines(pipelines)
	}
	if cm != CommitTest {
		userData := uint64(pipelines[0].crtcs[0].ID())
		if err := gpu.card.AtomicCommit(req, flags, userData); err != nil {
			log.Error().Err(err).Msg("atomic commit failed after a successful test")
			for _, p := range pipelines {
				p.PrintDebugInfo()
			}
			return rollbackPipelines(pipelines)
		}
	}

	for _, p := range pipelines {
		p.dropOldTestBuffer()
		for _, o := range p.objects {
			o.CommitPending()
		}
		if cm == CommitTest {
			continue
		}
		for i, plane := range p.planes {
			if p.active {
				plane.SetNext(p.primaryBuffer)
			} else {
				plane.SetNext(nil)
			}
			if cm == CommitWithPageflipEvent && p.wantsFlipEvent() {
				p.pendingFlips[p.crtcs[i].ID()] = struct{}{}
			} else {
				plane.FlipBuffer()
			}
		}
		for _, o := range p.objects {
			o.Commit()
		}
	}
	return true
}

func rollbackPipelines(pipelines []*Pipeline) bool {
	for _, p := range pipelines {
		p.restoreOldTestBuffer()
		for _, o := range p.objects {
			o.RollbackPending()
		}
	}
	return false
}
