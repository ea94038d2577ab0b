package fs

import (
	"revfs/internal/errors"
	"revfs/internal/node"
)

// deltaSource is what delta base selection needs to see of the
// repository.
type deltaSource interface {
	getNodeRev(id node.IDPart) (*node.NodeRev, error)
	repChainLength(rep *node.Rep) (int, error)
}

// chooseDeltaBase picks the representation that nr's new text (or props)
// should be deltified against. Bases are chosen along the predecessor
// chain in skip-delta fashion: the predecessor count with its lowest set
// bit cleared, so that reconstructing any version takes O(log n) deltas.
// Short walks use the immediate predecessor instead. It returns nil when
// the rep should be stored as a self-delta.
func chooseDeltaBase(src deltaSource, nr *node.NodeRev, props bool, maxWalk, maxLinear int64) (*node.Rep, error) {
	pc := int64(nr.PredecessorCount)
	if pc == 0 {
		return nil, nil
	}

	count := pc & (pc - 1)
	walk := pc - count
	if walk < maxLinear {
		count = pc - 1
	}
	if walk > maxWalk {
		return nil, nil
	}

	base := nr
	for i := pc; i > count; i-- {
		if base.Predecessor == nil {
			return nil, errors.Corrupt("node revision %s claims %d predecessors but has none", base.ID, base.PredecessorCount)
		}
		var err error
		if base, err = src.getNodeRev(*base.Predecessor); err != nil {
			return nil, err
		}
	}

	rep := base.DataRep
	if props {
		rep = base.PropRep
	}
	if rep == nil || !rep.ID.ChangeSet.IsRevision() {
		return nil, nil
	}

	// A rep older than its noderev may be shared by many nodes; bound the
	// chain so that a long shared chain is not extended further.
	maybeShared := base.ID.ChangeSet.IsRevision() &&
		rep.ID.ChangeSet.Revision() < base.ID.ChangeSet.Revision()
	if maybeShared {
		chain, err := src.repChainLength(rep)
		if err != nil {
			return nil, err
		}
		if int64(chain) >= 2*maxLinear+2 {
			return nil, nil
		}
	}
	return rep, nil
}

func (fs *FS) chooseDeltaBase(nr *node.NodeRev, props bool) (*node.Rep, error) {
	d := fs.cfg.Deltification
	return chooseDeltaBase(fs, nr, props, d.MaxDeltificationWalk, d.MaxLinearDeltification)
}
