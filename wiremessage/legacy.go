package wiremessage

import "fmt"

// QueryFlag is a bit in an OP_QUERY's flags field.
type QueryFlag int32

// Recognized OP_QUERY flags.
const (
	QuerySlaveOK QueryFlag = 1 << 2
	QueryExhaust QueryFlag = 1 << 6
)

// Query is a legacy OP_QUERY frame, the framing pre-3.6 servers (max wire
// version below 6) expect. Nothing in this module sends it:
// connection.Connection always frames commands as OP_MSG.
type Query struct {
	Header               Header
	Flags                QueryFlag
	FullCollectionName   string
	NumberToSkip         int32
	NumberToReturn       int32
	Query                []byte
	ReturnFieldsSelector []byte
}

// Append encodes q onto dst.
func (q Query) Append(dst []byte) ([]byte, error) {
	start := len(dst)
	q.Header.OpCode = OpQuery
	dst = q.Header.AppendHeader(dst)
	dst = appendInt32(dst, int32(q.Flags))
	dst = append(dst, q.FullCollectionName...)
	dst = append(dst, 0x00)
	dst = appendInt32(dst, q.NumberToSkip)
	dst = appendInt32(dst, q.NumberToReturn)
	dst = append(dst, q.Query...)
	dst = append(dst, q.ReturnFieldsSelector...)
	putInt32(dst[start:], int32(len(dst)-start))
	return dst, nil
}

// Reply is a legacy OP_REPLY frame.
type Reply struct {
	Header         Header
	ResponseFlags  int32
	CursorID       int64
	StartingFrom   int32
	NumberReturned int32
	Documents      [][]byte
}

// ReadReply decodes an OP_REPLY frame, including the header, from b.
func ReadReply(b []byte) (Reply, error) {
	hdr, err := ReadHeader(b, 0)
	if err != nil {
		return Reply{}, err
	}
	if hdr.OpCode != OpReply {
		return Reply{}, fmt.Errorf("wiremessage: expected OP_REPLY, got %s", hdr.OpCode)
	}

	pos := int32(headerLen)
	r := Reply{Header: hdr}
	r.ResponseFlags = readInt32(b, pos)
	pos += 4
	r.CursorID = readInt64(b, pos)
	pos += 8
	r.StartingFrom = readInt32(b, pos)
	pos += 4
	r.NumberReturned = readInt32(b, pos)
	pos += 4

	for pos < int32(len(b)) {
		doc, docLen, err := readDocument(b, pos)
		if err != nil {
			return Reply{}, err
		}
		r.Documents = append(r.Documents, doc)
		pos += docLen
	}

	return r, nil
}
