package tbrom

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// Snapshot files hold a flat field vector: an 8-byte unsigned length
// followed by that many little-endian float64 values. Basis files prepend a
// 16-byte magic header, the field size and the mode count, then the modes
// as contiguous rows. Both layouts are fixed by the ROM toolchain.

var basisMagic = [16]byte{'T', 'B', 'R', 'O', 'M', ' ', 'S', 'V', 'D', ' ', 'B', 'A', 'S', 'I', 'S', 0}

// WriteSnapshot writes vec to path in the snapshot binary layout.
func WriteSnapshot(path string, vec []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, uint64(len(vec))); err != nil {
		f.Close()
		return err
	}
	if err := writeFloats(w, vec); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadSnapshot reads a snapshot file back into a flat vector.
func ReadSnapshot(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("tbrom: reading snapshot length from %s: %w", path, err)
	}
	vec, err := readFloats(r, int(n))
	if err != nil {
		return nil, fmt.Errorf("tbrom: snapshot %s truncated: %w", path, err)
	}
	return vec, nil
}

// ReadSnapshotSize returns the vector length recorded in a snapshot file
// without reading the data.
func ReadSnapshotSize(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var n uint64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return 0, fmt.Errorf("tbrom: reading snapshot length from %s: %w", path, err)
	}
	return int(n), nil
}

// ReadBasis reads an orthogonal mode basis. The result has one row per
// mode, each of the recorded field size.
func ReadBasis(path string) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var magic [16]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("tbrom: basis %s truncated header: %w", path, err)
	}
	if !bytes.Equal(magic[:], basisMagic[:]) {
		return nil, fmt.Errorf("tbrom: basis %s has wrong magic header", path)
	}
	var fieldSize, modes uint64
	if err := binary.Read(r, binary.LittleEndian, &fieldSize); err != nil {
		return nil, fmt.Errorf("tbrom: basis %s truncated field size: %w", path, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &modes); err != nil {
		return nil, fmt.Errorf("tbrom: basis %s truncated mode count: %w", path, err)
	}

	basis := make([][]float64, 0, modes)
	for m := uint64(0); m < modes; m++ {
		row, err := readFloats(r, int(fieldSize))
		if err != nil {
			return nil, fmt.Errorf("tbrom: basis %s truncated at mode %d: %w", path, m, err)
		}
		basis = append(basis, row)
	}
	return basis, nil
}

// WriteBasis writes a mode basis in the layout ReadBasis expects. Every row
// must have the same length.
func WriteBasis(path string, basis [][]float64) error {
	if len(basis) == 0 {
		return fmt.Errorf("tbrom: refusing to write empty basis to %s", path)
	}
	fieldSize := len(basis[0])
	for m, row := range basis {
		if len(row) != fieldSize {
			return fmt.Errorf("tbrom: basis mode %d has length %d, want %d", m, len(row), fieldSize)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if _, err := w.Write(basisMagic[:]); err != nil {
		f.Close()
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(fieldSize)); err != nil {
		f.Close()
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(basis))); err != nil {
		f.Close()
		return err
	}
	for _, row := range basis {
		if err := writeFloats(w, row); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeFloats(w io.Writer, vals []float64) error {
	buf := make([]byte, 8)
	for _, v := range vals {
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

func readFloats(r io.Reader, n int) ([]float64, error) {
	buf := make([]byte, 8)
	vals := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		vals = append(vals, math.Float64frombits(binary.LittleEndian.Uint64(buf)))
	}
	return vals, nil
}
