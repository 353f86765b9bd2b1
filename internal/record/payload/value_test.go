package payload

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `{
	"naturezaObjeto": "OBRA",
	"valor": 350000.50,
	"dispensa": true,
	"dataContrato": "2024-03-15",
	"observacao": null,
	"fornecedor": {"documento": "12345678000199", "nome": "Construtora"},
	"itens": [{"valor": "1.500,00"}, {"valor": 10}]
}`

func TestParse(t *testing.T) {
	doc, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)
	assert.Equal(t, KindMap, doc.Kind())

	v, _ := doc.Field("valor")
	assert.Equal(t, KindNumber, v.Kind())
	d, ok := v.AsDecimal()
	require.True(t, ok)
	assert.Equal(t, "350000.5", d.String())

	date, _ := doc.Field("dataContrato")
	assert.Equal(t, KindDate, date.Kind())
	assert.Equal(t, "2024-03-15", date.Text())

	obs, ok := doc.Field("observacao")
	require.True(t, ok)
	assert.True(t, obs.IsNull())

	flag, _ := doc.Field("dispensa")
	assert.Equal(t, "true", flag.Text())
}

func TestParse_Rejects(t *testing.T) {
	for name, input := range map[string]string{
		"array top level": `[1,2]`,
		"scalar":          `"x"`,
		"malformed":       `{"a":`,
		"trailing":        `{"a":1} {"b":2}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(input))
			assert.Error(t, err)
		})
	}
}

func TestValue_JSONRoundTripKeepsPrecision(t *testing.T) {
	doc, err := Parse([]byte(`{"valor": 12345678901234567890.123, "tags": [], "d": "2024-01-01"}`))
	require.NoError(t, err)
	out, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"valor": 12345678901234567890.123, "tags": [], "d": "2024-01-01"}`, string(out))
}

func TestParseDecimal(t *testing.T) {
	cases := map[string]string{
		"330000":   "330000",
		" 42.5 ":   "42.5",
		"1500,75":  "1500.75",
		"-3":       "-3",
	}
	for in, want := range cases {
		d, ok := ParseDecimal(in)
		require.True(t, ok, in)
		assert.Equal(t, want, d.String(), in)
	}
	for _, bad := range []string{"", "abc", "1.500,00", "1,2,3"} {
		_, ok := ParseDecimal(bad)
		assert.False(t, ok, bad)
	}
}
