package lift

import (
	"bytes"
	"debug/pe"

	"tlog.app/go/errors"
)

const (
	scnMemExecute = 0x20000000
)

// parsePE collects the executable sections and image base and returns the
// entry point RVA.
func (l *lifter) parsePE(bin []byte) (entry uint64, err error) {
	f, err := pe.NewFile(bytes.NewReader(bin))
	if err != nil {
		return 0, errors.Wrap(err, "pe header")
	}

	defer f.Close()

	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		l.mod.Base = oh.ImageBase
		entry = uint64(oh.AddressOfEntryPoint)
	case *pe.OptionalHeader32:
		return 0, errors.New("32-bit images are not supported")
	default:
		return 0, errors.New("missing optional header")
	}

	for _, s := range f.Sections {
		if s.Characteristics&scnMemExecute == 0 {
			continue
		}

		data, err := s.Data()
		if err != nil {
			return 0, errors.Wrap(err, "section %v", s.Name)
		}

		if uint32(len(data)) > s.VirtualSize {
			data = data[:s.VirtualSize]
		}

		l.code = append(l.code, region{
			va:   uint64(s.VirtualAddress),
			data: data,
		})
	}

	if len(l.code) == 0 {
		return 0, errors.New("no executable sections")
	}

	return entry, nil
}
