package hxdb

// Buffer state flags.
const (
	dirtyData uint8 = 1 << iota
	dirtyLink
	dirtyIndex
)

// Wide lock flags kept on the handle.
const (
	lockedRoot uint8 = 1 << iota
	lockedBody
	lockedBeyond

	lockedFile = lockedRoot | lockedBody
)

func Set(b, flag uint8) uint8   { return b | flag }
func Clear(b, flag uint8) uint8 { return b &^ flag }
func Has(b, flag uint8) bool    { return b&flag != 0 }
