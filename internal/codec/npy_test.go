package codec

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datafeedhq/datafeed/internal/store"
)

func TestNpy_OHLC(t *testing.T) {
	rows := []store.OHLC{
		{Time: 1291167000, Open: 2855, High: 2860, Low: 2850, Close: 2856.99, Volume: 1000, Amount: 2856990},
		{Time: 1291167060, Open: 2857, High: 2858, Low: 2856, Close: 2857.5, Volume: 500, Amount: 1428750},
	}
	b := EncodeOHLC(rows)

	// preamble: magic, version 1.0, 64-byte aligned data section
	assert.Equal(t, []byte{0x93, 'N', 'U', 'M', 'P', 'Y', 1, 0}, b[:8])
	hdrLen := int(binary.LittleEndian.Uint16(b[8:10]))
	assert.Zero(t, (10+hdrLen)%64)
	assert.EqualValues(t, '\n', b[10+hdrLen-1])
	assert.Len(t, b, 10+hdrLen+len(rows)*store.RowOHLC.Size())

	got, err := DecodeOHLC(b)
	require.NoError(t, err)
	assert.Equal(t, rows, got)
}

func TestNpy_EmptyArray(t *testing.T) {
	b := EncodeDividends(nil)
	got, err := DecodeDividends(b)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestNpy_MinutesAndDividends(t *testing.T) {
	mins := []store.MinuteSnap{{Time: 1291167000, Price: 2856.99, Volume: 10, Amount: 28569.9}}
	gotM, err := DecodeMinutes(EncodeMinutes(mins))
	require.NoError(t, err)
	assert.Equal(t, mins, gotM)

	divs := []store.Dividend{{Time: 1291132800, Split: 1.2, Purchase: 0, PurchasePrice: 0, Dividend: 0.35}}
	gotD, err := DecodeDividends(EncodeDividends(divs))
	require.NoError(t, err)
	assert.Equal(t, divs, gotD)
}

// Writers differ in quoting and whitespace; the parser has to take what
// numpy itself emits in its loosest form.
func TestNpy_HeaderVariants(t *testing.T) {
	hdr := `{"descr": [("time","<i4"),("price","<f4"),("volume","<f4"),("amount","<f4")],"fortran_order": False,"shape": (1,)}`
	row := store.MarshalMinutes([]store.MinuteSnap{{Time: 7, Price: 1.5}})

	b := []byte{0x93, 'N', 'U', 'M', 'P', 'Y', 1, 0}
	b = binary.LittleEndian.AppendUint16(b, uint16(len(hdr)))
	b = append(b, hdr...)
	b = append(b, row...)

	got, err := DecodeMinutes(b)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.EqualValues(t, 7, got[0].Time)
	assert.EqualValues(t, 1.5, got[0].Price)
}

func TestNpy_DecodeErrors(t *testing.T) {
	good := EncodeMinutes([]store.MinuteSnap{{Time: 1}})

	truncated := good[:len(good)-4]
	wrongMagic := append([]byte("NOTNPY"), good[6:]...)

	fortran := make([]byte, len(good))
	copy(fortran, good)
	// flip 'False' to 'True ' inside the header
	for i := 10; i < len(fortran)-5; i++ {
		if string(fortran[i:i+5]) == "False" {
			copy(fortran[i:], "True ")
			break
		}
	}

	cases := map[string][]byte{
		"truncated data": truncated,
		"bad magic":      wrongMagic,
		"fortran order":  fortran,
		"wrong dtype":    EncodeOHLC([]store.OHLC{{Time: 1}}),
		"empty":          {},
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeMinutes(payload)
			assert.ErrorIs(t, err, ErrFormat)
		})
	}
}

func TestTickBatchRoundTrip(t *testing.T) {
	batch := map[string]store.Tick{
		"SH000001": {"symbol": "SH000001", "price": 2856.99, "timestamp": int64(1291167000)},
		"SZ399001": {"symbol": "SZ399001", "price": 12345.6, "timestamp": int64(1291167001)},
	}
	b, err := EncodeTicks(batch)
	require.NoError(t, err)

	got, err := DecodeTicks(b)
	require.NoError(t, err)
	assert.Equal(t, batch, got)
}

func TestDecompressRejectsGarbage(t *testing.T) {
	_, err := Decompress([]byte("definitely not zlib"))
	assert.ErrorIs(t, err, ErrFormat)

	_, err = DecodeTicks(Compress([]byte("zlib but not gob")))
	assert.ErrorIs(t, err, ErrFormat)
}
