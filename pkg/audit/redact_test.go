package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsLuhnValid(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  bool
	}{
		{"valid visa", "4111111111111111", true},
		{"valid with dashes", "4111-1111-1111-1111", true},
		{"invalid checksum", "4111111111111112", false},
		{"too short", "123456", false},
		{"too long", "12345678901234567890", false},
		{"non-digit garbage", "not-a-card-at-all", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isLuhnValid(tc.input))
		})
	}
}

func TestRedactString(t *testing.T) {
	r := NewRedactor()

	cc := r.RedactString("card on file: 4111111111111111 expires soon")
	assert.Contains(t, cc, "[REDACTED:credit-card]")
	assert.NotContains(t, cc, "4111111111111111")

	ssn := r.RedactString("ssn is 523-45-6789 for this applicant")
	assert.Contains(t, ssn, "[REDACTED:ssn]")

	key := r.RedactString("token=sk-abcdefghijklmnopqrstuvwx in headers")
	assert.Contains(t, key, "[REDACTED:api-key]")

	plain := r.RedactString("nothing sensitive here, just text")
	assert.Equal(t, "nothing sensitive here, just text", plain)
}

func TestRedactStringIgnoresInvalidCreditCard(t *testing.T) {
	r := NewRedactor()
	out := r.RedactString("reference number 1234567890123456 for the order")
	assert.Equal(t, "reference number 1234567890123456 for the order", out)
}

func TestRedactStringIsIdempotent(t *testing.T) {
	r := NewRedactor()
	once := r.RedactString("card: 4111111111111111")
	twice := r.RedactString(once)
	assert.Equal(t, once, twice)
}

func TestRedactValueDeepWalksNestedStructures(t *testing.T) {
	r := NewRedactor()
	input := map[string]any{
		"safe": "nothing to see",
		"nested": map[string]any{
			"card": "4111111111111111",
		},
		"list": []any{"4111111111111111", "plain text"},
		"num":  42,
	}

	out := r.RedactValue(input).(map[string]any)

	assert.Equal(t, "nothing to see", out["safe"])
	assert.Equal(t, 42, out["num"])

	nested := out["nested"].(map[string]any)
	assert.Contains(t, nested["card"], "[REDACTED:credit-card]")

	list := out["list"].([]any)
	assert.Contains(t, list[0], "[REDACTED:credit-card]")
	assert.Equal(t, "plain text", list[1])

	// input must not be mutated
	assert.Equal(t, "4111111111111111", input["nested"].(map[string]any)["card"])
}

func TestRedactMapNilIsNil(t *testing.T) {
	r := NewRedactor()
	assert.Nil(t, r.RedactMap(nil))
}
