// Package par2 reads the file-description packets of a PAR2 recovery set.
// The descriptors carry the authoritative filename and size for files whose
// posted names are obfuscated.
package par2

import (
	"encoding/binary"
	"fmt"
	"io"
)

// magic is the PAR2 packet signature "PAR2\0PKT".
var magic = [8]byte{'P', 'A', 'R', '2', 0, 'P', 'K', 'T'}

// typeFileDesc identifies a file description packet, "PAR 2.0\0FileDesc".
var typeFileDesc = [16]byte{'P', 'A', 'R', ' ', '2', '.', '0', 0, 'F', 'i', 'l', 'e', 'D', 'e', 's', 'c'}

const headerSize = 64

// PacketHeader is the fixed 64-byte prefix every PAR2 packet starts with.
type PacketHeader struct {
	Magic      [8]byte
	Length     uint64 // total packet length including header, multiple of 4
	MD5Hash    [16]byte
	RecoveryID [16]byte
	Type       [16]byte
}

// FileDescriptor is the metadata PAR2 stores per protected file.
type FileDescriptor struct {
	FileID  [16]byte
	FileMD5 [16]byte
	Hash16k [16]byte // MD5 of the file's first 16KB, used for matching
	Length  uint64
	Name    string
}

// HasMagicBytes reports whether data starts with the PAR2 signature.
func HasMagicBytes(data []byte) bool {
	if len(data) < len(magic) {
		return false
	}
	return [8]byte(data[:8]) == magic
}

// ReadFileDescriptors streams through a PAR2 file and collects every file
// description packet, keyed by the 16KB hash used to match data files.
func ReadFileDescriptors(r io.Reader) (map[[16]byte]*FileDescriptor, error) {
	descriptors := make(map[[16]byte]*FileDescriptor)

	for {
		header, err := readHeader(r)
		if err == io.EOF {
			return descriptors, nil
		}
		if err != nil {
			// A trailing partial packet ends the useful part of the stream.
			if err == io.ErrUnexpectedEOF {
				return descriptors, nil
			}
			return nil, err
		}

		if header.Type != typeFileDesc {
			if err := skipBody(r, header); err != nil {
				return descriptors, nil
			}
			continue
		}

		desc, err := readFileDescriptor(r, header)
		if err != nil {
			return nil, err
		}
		descriptors[desc.Hash16k] = desc
	}
}

func readHeader(r io.Reader) (*PacketHeader, error) {
	header := &PacketHeader{}
	if err := binary.Read(r, binary.LittleEndian, header); err != nil {
		return nil, err
	}
	if header.Magic != magic {
		return nil, fmt.Errorf("invalid PAR2 packet signature")
	}
	if header.Length < headerSize || header.Length%4 != 0 {
		return nil, fmt.Errorf("invalid PAR2 packet length %d", header.Length)
	}
	return header, nil
}

func readFileDescriptor(r io.Reader, header *PacketHeader) (*FileDescriptor, error) {
	bodyLength := header.Length - headerSize
	if bodyLength < 56 {
		return nil, fmt.Errorf("file description packet too small: %d bytes", bodyLength)
	}

	desc := &FileDescriptor{}
	for _, field := range []any{&desc.FileID, &desc.FileMD5, &desc.Hash16k, &desc.Length} {
		if err := binary.Read(r, binary.LittleEndian, field); err != nil {
			return nil, fmt.Errorf("truncated file description packet: %w", err)
		}
	}

	nameBytes := make([]byte, bodyLength-56)
	if _, err := io.ReadFull(r, nameBytes); err != nil {
		return nil, fmt.Errorf("truncated file description name: %w", err)
	}

	// The name is null-padded to 4-byte alignment.
	end := len(nameBytes)
	for end > 0 && (nameBytes[end-1] == 0 || nameBytes[end-1] < 32) {
		end--
	}
	desc.Name = string(nameBytes[:end])

	return desc, nil
}

func skipBody(r io.Reader, header *PacketHeader) error {
	_, err := io.CopyN(io.Discard, r, int64(header.Length-headerSize))
	return err
}
