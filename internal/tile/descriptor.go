package tile

// Descriptor is the in-memory state of one grid cell: the resident compressed
// texture per (scheme, level), which levels have a job in flight, and when the
// cell was last used.
type Descriptor struct {
	Rect Rect
	Col  int
	Row  int

	resident   [NumSchemes][MaxLevel][]byte
	pending    [NumSchemes][MaxLevel]bool
	lastAccess uint64
}

func NewDescriptor(r Rect, col, row int) *Descriptor {
	return &Descriptor{Rect: r, Col: col, Row: row}
}

func (d *Descriptor) Resident(level int, scheme ColorScheme) []byte {
	return d.resident[scheme][level]
}

// SetResident installs data and returns the change in resident bytes.
func (d *Descriptor) SetResident(level int, scheme ColorScheme, data []byte) int64 {
	delta := int64(len(data)) - int64(len(d.resident[scheme][level]))
	d.resident[scheme][level] = data
	d.pending[scheme][level] = false
	return delta
}

// Drop releases one level and returns the number of bytes freed.
func (d *Descriptor) Drop(level int, scheme ColorScheme) int64 {
	n := int64(len(d.resident[scheme][level]))
	d.resident[scheme][level] = nil
	return n
}

// DropAll releases every resident level and returns the number of bytes freed.
func (d *Descriptor) DropAll() int64 {
	var n int64
	for s := range d.resident {
		for l := range d.resident[s] {
			n += d.Drop(l, ColorScheme(s))
		}
	}
	return n
}

func (d *Descriptor) ResidentBytes() int64 {
	var n int64
	for s := range d.resident {
		for _, b := range d.resident[s] {
			n += int64(len(b))
		}
	}
	return n
}

func (d *Descriptor) SetPending(level int, scheme ColorScheme, pending bool) {
	d.pending[scheme][level] = pending
}

func (d *Descriptor) Pending(level int, scheme ColorScheme) bool {
	return d.pending[scheme][level]
}

// Touch stamps the descriptor with a fresh ordinal from the shared clock.
func (d *Descriptor) Touch() uint64 {
	d.lastAccess = Touch()
	return d.lastAccess
}

func (d *Descriptor) LastAccess() uint64 {
	return d.lastAccess
}
