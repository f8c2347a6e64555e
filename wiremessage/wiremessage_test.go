package wiremessage

import "testing"

func TestMsgAppendReadRoundTrip(t *testing.T) {
	body := []byte{0x05, 0x00, 0x00, 0x00, 0x00} // empty document
	msg := Msg{
		Header:   Header{RequestID: 42, ResponseTo: 0},
		Sections: []Section{{Kind: SectionKindBody, Document: body}},
	}

	buf, err := msg.Append(nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := ReadMsg(buf)
	if err != nil {
		t.Fatalf("ReadMsg: %v", err)
	}
	if got.Header.RequestID != 42 {
		t.Fatalf("RequestID = %d, want 42", got.Header.RequestID)
	}
	gotBody, err := got.Body()
	if err != nil {
		t.Fatalf("Body: %v", err)
	}
	if len(gotBody) != len(body) {
		t.Fatalf("body length = %d, want %d", len(gotBody), len(body))
	}
}

func TestMsgDocumentSequenceSection(t *testing.T) {
	doc1 := []byte{0x05, 0x00, 0x00, 0x00, 0x00}
	doc2 := []byte{0x05, 0x00, 0x00, 0x00, 0x00}

	msg := Msg{
		Header: Header{RequestID: 1},
		Sections: []Section{
			{Kind: SectionKindBody, Document: doc1},
			{Kind: SectionKindDocumentSequence, Identifier: "documents", Documents: [][]byte{doc2, doc2}},
		},
	}

	buf, err := msg.Append(nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := ReadMsg(buf)
	if err != nil {
		t.Fatalf("ReadMsg: %v", err)
	}
	if len(got.Sections) != 2 {
		t.Fatalf("expected 2 sections, got %d", len(got.Sections))
	}
	seq := got.Sections[1]
	if seq.Kind != SectionKindDocumentSequence || seq.Identifier != "documents" || len(seq.Documents) != 2 {
		t.Fatalf("unexpected sequence section: %+v", seq)
	}
}

func TestRequestIDGeneratorNeverRepeatsWithinBatch(t *testing.T) {
	var g RequestIDGenerator
	seen := make(map[int32]bool)
	for i := 0; i < 1000; i++ {
		id := g.Next()
		if seen[id] {
			t.Fatalf("request id %d repeated", id)
		}
		seen[id] = true
	}
}

func TestCompressedRoundTrip(t *testing.T) {
	body := []byte{0x05, 0x00, 0x00, 0x00, 0x00}
	original := Header{RequestID: 7, OpCode: OpMsg}.AppendHeader(nil)
	original = append(original, 0, 0, 0, 0) // flagBits
	original = append(original, body...)
	putInt32(original, int32(len(original)))

	var comp SnappyCompressor
	compressed, err := comp.Compress(nil, original[headerLen:])
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	c := Compressed{
		Header:            Header{RequestID: 7},
		OriginalOpCode:    OpMsg,
		UncompressedSize:  int32(len(original) - headerLen),
		CompressorID:      CompressorSnappy,
		CompressedMessage: compressed,
	}

	buf, err := c.Append(nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	gotC, err := ReadCompressed(buf)
	if err != nil {
		t.Fatalf("ReadCompressed: %v", err)
	}

	full, err := gotC.Uncompress(SnappyCompressor{})
	if err != nil {
		t.Fatalf("Uncompress: %v", err)
	}
	if len(full) != len(original) {
		t.Fatalf("uncompressed length = %d, want %d", len(full), len(original))
	}
}
