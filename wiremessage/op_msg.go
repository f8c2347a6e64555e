package wiremessage

import "fmt"

// MsgFlag is a bit in an OP_MSG's flagBits field.
type MsgFlag uint32

// Recognized OP_MSG flag bits.
const (
	ChecksumPresent MsgFlag = 1 << 0
	MoreToCome      MsgFlag = 1 << 1
	ExhaustAllowed  MsgFlag = 1 << 16
)

// Has reports whether flags has the given bit set.
func (flags MsgFlag) Has(bit MsgFlag) bool {
	return flags&bit != 0
}

// SectionKind identifies an OP_MSG section's payload shape.
type SectionKind byte

// Recognized section kinds.
const (
	SectionKindBody            SectionKind = 0
	SectionKindDocumentSequence SectionKind = 1
)

// Section is a single OP_MSG section. For SectionKindBody, Document holds
// the encoded BSON body and Identifier is unused. For
// SectionKindDocumentSequence, Identifier names the field ("documents",
// "updates", "deletes") and Documents holds the encoded documents in order.
type Section struct {
	Kind       SectionKind
	Identifier string
	Document   []byte
	Documents  [][]byte
}

// Msg is a decoded or to-be-encoded OP_MSG frame.
type Msg struct {
	Header   Header
	Flags    MsgFlag
	Sections []Section
}

// Append encodes msg onto dst, filling in the header's MessageLength and
// OpCode fields.
func (msg Msg) Append(dst []byte) ([]byte, error) {
	start := len(dst)
	msg.Header.OpCode = OpMsg
	dst = msg.Header.AppendHeader(dst)
	dst = appendUint32(dst, uint32(msg.Flags))

	for _, sec := range msg.Sections {
		dst = append(dst, byte(sec.Kind))
		switch sec.Kind {
		case SectionKindBody:
			dst = append(dst, sec.Document...)
		case SectionKindDocumentSequence:
			seqStart := len(dst)
			dst = appendInt32(dst, 0) // size placeholder
			dst = append(dst, sec.Identifier...)
			dst = append(dst, 0x00)
			for _, doc := range sec.Documents {
				dst = append(dst, doc...)
			}
			seqLen := int32(len(dst) - seqStart)
			putInt32(dst[seqStart:], seqLen)
		default:
			return nil, fmt.Errorf("wiremessage: unknown OP_MSG section kind %d", sec.Kind)
		}
	}

	if msg.Flags.Has(ChecksumPresent) {
		dst = appendUint32(dst, crc32CRepresentative(dst[start:]))
	}

	putInt32(dst[start:], int32(len(dst)-start))
	return dst, nil
}

func putInt32(b []byte, v int32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// crc32CRepresentative is a placeholder checksum; this driver core never
// sets ChecksumPresent on outgoing frames itself (spec.md §4.1 only
// requires the flag be *recognized*, not emitted), so this exists purely to
// keep Append total if a caller constructs a Msg with the bit set by hand.
func crc32CRepresentative(b []byte) uint32 {
	var crc uint32 = 0xffffffff
	for _, c := range b {
		crc ^= uint32(c)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0x82f63b78
			} else {
				crc >>= 1
			}
		}
	}
	return ^crc
}

// ReadMsg decodes an OP_MSG frame, including the header, from b.
func ReadMsg(b []byte) (Msg, error) {
	hdr, err := ReadHeader(b, 0)
	if err != nil {
		return Msg{}, err
	}
	if hdr.OpCode != OpMsg {
		return Msg{}, fmt.Errorf("wiremessage: expected OP_MSG, got %s", hdr.OpCode)
	}
	if int(hdr.MessageLength) != len(b) {
		return Msg{}, fmt.Errorf("wiremessage: header length %d does not match frame length %d", hdr.MessageLength, len(b))
	}

	pos := int32(headerLen)
	flags := MsgFlag(readUint32(b, pos))
	pos += 4

	msg := Msg{Header: hdr, Flags: flags}

	end := int32(len(b))
	if flags.Has(ChecksumPresent) {
		end -= 4
	}

	for pos < end {
		kind := SectionKind(b[pos])
		pos++
		switch kind {
		case SectionKindBody:
			doc, docLen, err := readDocument(b, pos)
			if err != nil {
				return Msg{}, err
			}
			msg.Sections = append(msg.Sections, Section{Kind: SectionKindBody, Document: doc})
			pos += docLen
		case SectionKindDocumentSequence:
			seqLen := readInt32(b, pos)
			seqEnd := pos + seqLen
			p := pos + 4
			nameStart := p
			for b[p] != 0x00 {
				p++
			}
			identifier := string(b[nameStart:p])
			p++

			var docs [][]byte
			for p < seqEnd {
				doc, docLen, err := readDocument(b, p)
				if err != nil {
					return Msg{}, err
				}
				docs = append(docs, doc)
				p += docLen
			}
			msg.Sections = append(msg.Sections, Section{Kind: SectionKindDocumentSequence, Identifier: identifier, Documents: docs})
			pos = seqEnd
		default:
			return Msg{}, fmt.Errorf("wiremessage: unknown OP_MSG section kind %d", kind)
		}
	}

	return msg, nil
}

func readDocument(b []byte, pos int32) (doc []byte, length int32, err error) {
	if int(pos)+4 > len(b) {
		return nil, 0, fmt.Errorf("wiremessage: truncated document length at offset %d", pos)
	}
	length = readInt32(b, pos)
	if length < 5 || int(pos+length) > len(b) {
		return nil, 0, fmt.Errorf("wiremessage: invalid document length %d at offset %d", length, pos)
	}
	return b[pos : pos+length], length, nil
}

// Body returns the single body (kind 0) section's document, which every
// OP_MSG command reply carries exactly one of.
func (msg Msg) Body() ([]byte, error) {
	for _, sec := range msg.Sections {
		if sec.Kind == SectionKindBody {
			return sec.Document, nil
		}
	}
	return nil, fmt.Errorf("wiremessage: OP_MSG has no body section")
}
