// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package irwi

import (
	"encoding/binary"
	"math"
)

// Label identifies a textual annotation attached to a trajectory unit. The
// engine only ever sees the numeric id; string<->Label translation lives in
// internal/strtable, outside this package.
type Label uint32

// TrajectoryID identifies one trajectory. Ids are dense, caller-assigned,
// non-negative integers (§3); the engine never invents ids itself.
type TrajectoryID uint32

// UnitIndex is the position of a unit (segment) within its trajectory,
// counted from zero.
type UnitIndex uint32

// Time is a discrete timestamp, treated as an opaque monotonically ordered
// scalar everywhere except when it takes part in a BoundingBox width/size
// computation (§3, §9).
type Time = uint32

// entryRecordSize is the fixed on-disk size in bytes of one TreeEntry
// record: 2*Point3 (4+4+4=12 each -> 24) + Label(4) + TrajectoryID(4) +
// UnitIndex(4) = 36 bytes.
const entryRecordSize = 2*12 + 4 + 4 + 4

// TrajectoryUnit is one spatio-temporal segment of a trajectory: a straight
// run from Start to End, annotated with a single Label (§3).
type TrajectoryUnit struct {
	Start, End Point3
	Label      Label
}

// MBB returns the minimum bounding box of the unit's two endpoints.
func (u TrajectoryUnit) MBB() BoundingBox {
	return NewBoundingBox(u.Start, u.End)
}

// TreeEntry is a leaf-level record: a trajectory unit plus the identity
// (TrajectoryID, UnitIndex) of the unit it was extracted from (§3, §6.1).
type TreeEntry struct {
	ID    TrajectoryID
	Index UnitIndex
	Unit  TrajectoryUnit
}

// MBB returns the minimum bounding box of the entry's unit.
func (e TreeEntry) MBB() BoundingBox { return e.Unit.MBB() }

// marshalEntry writes e to buf in the fixed 36-byte little-endian layout:
// start.x, start.y, start.t, end.x, end.y, end.t, label, trajectory_id,
// unit_index. buf must be at least entryRecordSize bytes.
func marshalEntry(buf []byte, e TreeEntry) {
	putFloat32(buf[0:4], e.Unit.Start.X)
	putFloat32(buf[4:8], e.Unit.Start.Y)
	binary.LittleEndian.PutUint32(buf[8:12], e.Unit.Start.T)
	putFloat32(buf[12:16], e.Unit.End.X)
	putFloat32(buf[16:20], e.Unit.End.Y)
	binary.LittleEndian.PutUint32(buf[20:24], e.Unit.End.T)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(e.Unit.Label))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(e.ID))
	binary.LittleEndian.PutUint32(buf[32:36], uint32(e.Index))
}

// unmarshalEntry reads back a record written by marshalEntry.
func unmarshalEntry(buf []byte) TreeEntry {
	return TreeEntry{
		ID:    TrajectoryID(binary.LittleEndian.Uint32(buf[28:32])),
		Index: UnitIndex(binary.LittleEndian.Uint32(buf[32:36])),
		Unit: TrajectoryUnit{
			Start: Point3{
				X: getFloat32(buf[0:4]),
				Y: getFloat32(buf[4:8]),
				T: binary.LittleEndian.Uint32(buf[8:12]),
			},
			End: Point3{
				X: getFloat32(buf[12:16]),
				Y: getFloat32(buf[16:20]),
				T: binary.LittleEndian.Uint32(buf[20:24]),
			},
			Label: Label(binary.LittleEndian.Uint32(buf[24:28])),
		},
	}
}

func putFloat32(buf []byte, f float32) {
	binary.LittleEndian.PutUint32(buf, math.Float32bits(f))
}

func getFloat32(buf []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(buf))
}
