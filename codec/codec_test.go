package codec

import (
	"testing"

	"game-dispatcher/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecs_LoadReport(t *testing.T) {
	original := &message.LoadReport{
		ProtocolVersion: 3,
		PlayerCount:     42,
		Capacity:        100,
		PublicAddr:      "10.0.0.7:42069",
	}

	for _, cdc := range []Codec{&JSONCodec{}, &BinaryCodec{}} {
		t.Run(cdc.Type().String(), func(t *testing.T) {
			data, err := cdc.Encode(original)
			require.NoError(t, err)

			var decoded message.LoadReport
			require.NoError(t, cdc.Decode(data, &decoded))
			assert.Equal(t, *original, decoded)
		})
	}
}

func TestCodecs_PlayerEvent(t *testing.T) {
	original := &message.PlayerEvent{PlayerID: "1b4e28ba-2fa1-11d2-883f-0016d3cca427"}

	for _, cdc := range []Codec{&JSONCodec{}, &BinaryCodec{}} {
		t.Run(cdc.Type().String(), func(t *testing.T) {
			data, err := cdc.Encode(original)
			require.NoError(t, err)

			var decoded message.PlayerEvent
			require.NoError(t, cdc.Decode(data, &decoded))
			assert.Equal(t, *original, decoded)
		})
	}
}

func TestBinaryCodec_EmptyPublicAddr(t *testing.T) {
	cdc := &BinaryCodec{}
	data, err := cdc.Encode(&message.LoadReport{ProtocolVersion: 1, PlayerCount: 0, Capacity: 8})
	require.NoError(t, err)
	assert.Len(t, data, 12)

	var decoded message.LoadReport
	require.NoError(t, cdc.Decode(data, &decoded))
	assert.Empty(t, decoded.PublicAddr)
	assert.Equal(t, 8, decoded.Capacity)
}

func TestBinaryCodec_RejectsMalformed(t *testing.T) {
	cdc := &BinaryCodec{}

	var report message.LoadReport
	assert.Error(t, cdc.Decode([]byte{0, 1, 0}, &report), "short report")
	assert.Error(t, cdc.Decode([]byte{0, 1, 0, 0, 0, 1, 0, 0, 0, 2, 0, 5, 'a'}, &report), "address length mismatch")

	var event message.PlayerEvent
	assert.Error(t, cdc.Decode([]byte{0}, &event), "short event")
	assert.Error(t, cdc.Decode([]byte{0, 3, 'a'}, &event), "id length mismatch")

	_, err := cdc.Encode(&message.LoadReport{ProtocolVersion: 1, PlayerCount: -1})
	assert.Error(t, err)

	_, err = cdc.Encode("not a message")
	assert.Error(t, err)
	assert.Error(t, cdc.Decode([]byte{}, new(int)))
}

func TestJSONCodec_RejectsNonLinkTypes(t *testing.T) {
	cdc := &JSONCodec{}

	_, err := cdc.Encode(map[string]int{"players": 1})
	assert.ErrorContains(t, err, "unsupported type")
	_, err = cdc.Encode(message.LoadReport{ProtocolVersion: 1})
	assert.Error(t, err, "values are refused, only pointers decode back")

	var n int
	assert.Error(t, cdc.Decode([]byte(`1`), &n))

	var report message.LoadReport
	assert.Error(t, cdc.Decode([]byte(`{"protocol_version":1}{}`), &report), "trailing data")
}

func TestGetCodec(t *testing.T) {
	assert.IsType(t, &JSONCodec{}, GetCodec(CodecTypeJSON))
	assert.IsType(t, &BinaryCodec{}, GetCodec(CodecTypeBinary))
}

func TestParseCodecType(t *testing.T) {
	ct, err := ParseCodecType("")
	require.NoError(t, err)
	assert.Equal(t, CodecTypeJSON, ct)

	ct, err = ParseCodecType("binary")
	require.NoError(t, err)
	assert.Equal(t, CodecTypeBinary, ct)

	_, err = ParseCodecType("protobuf")
	assert.Error(t, err)
}

func BenchmarkCodecJSON(b *testing.B) {
	cdc := GetCodec(CodecTypeJSON)
	report := &message.LoadReport{ProtocolVersion: 1, PlayerCount: 42, Capacity: 100, PublicAddr: ":42069"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := cdc.Encode(report)
		var out message.LoadReport
		cdc.Decode(data, &out)
	}
}

func BenchmarkCodecBinary(b *testing.B) {
	cdc := GetCodec(CodecTypeBinary)
	report := &message.LoadReport{ProtocolVersion: 1, PlayerCount: 42, Capacity: 100, PublicAddr: ":42069"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := cdc.Encode(report)
		var out message.LoadReport
		cdc.Decode(data, &out)
	}
}
