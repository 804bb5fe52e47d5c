package packer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
)

var ErrTruncated = errors.New("packer: truncated site table")

// Site a spliced instruction and the frame that replaces it
type Site struct {
	Location uint64 // module relative address
	Index    uint32 // frame offset in the call site buffer
	Length   uint8  // bytes of the native instruction
}

// End address of the first native instruction after the site
func (s Site) End() uint64 {
	return s.Location + uint64(s.Length)
}

// Sites ordered by location
type Sites []Site

const siteSize = 8 + 4 + 1

// Lookup finds the site at location
func (s Sites) Lookup(location uint64) (Site, bool) {
	i, ok := slices.BinarySearchFunc(s, location, func(site Site, loc uint64) int {
		switch {
		case site.Location < loc:
			return -1
		case site.Location > loc:
			return 1
		}
		return 0
	})
	if !ok {
		return Site{}, false
	}
	return s[i], true
}

// MarshalBinary count:8 then location:8 index:4 length:1 per site, little endian
func (s Sites) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, 8+len(s)*siteSize)
	out = binary.LittleEndian.AppendUint64(out, uint64(len(s)))
	for _, site := range s {
		out = binary.LittleEndian.AppendUint64(out, site.Location)
		out = binary.LittleEndian.AppendUint32(out, site.Index)
		out = append(out, site.Length)
	}
	return out, nil
}

func (s *Sites) UnmarshalBinary(data []byte) error {
	if len(data) < 8 {
		return ErrTruncated
	}
	count := binary.LittleEndian.Uint64(data)
	data = data[8:]
	if count > uint64(len(data)/siteSize) || uint64(len(data)) != count*siteSize {
		return fmt.Errorf("%w: %d sites in %d bytes", ErrTruncated, count, len(data))
	}

	out := make(Sites, count)
	for i := range out {
		rec := data[i*siteSize:]
		out[i] = Site{
			Location: binary.LittleEndian.Uint64(rec),
			Index:    binary.LittleEndian.Uint32(rec[8:]),
			Length:   rec[12],
		}
		if i > 0 && out[i].Location <= out[i-1].Location {
			return fmt.Errorf("packer: site table out of order at %#x", out[i].Location)
		}
	}
	*s = out
	return nil
}
