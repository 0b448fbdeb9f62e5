package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scribeworks/scribe/internal/schema"
)

func TestRegexMasker(t *testing.T) {
	t.Parallel()

	m := NewRegexMasker()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "mrn",
			in:   "My MRN: 12345678 please",
			want: "My [MEDICAL_ID] please",
		},
		{
			name: "provider name",
			in:   "I saw Dr. Watson yesterday",
			want: "I saw Dr. [PROVIDER] yesterday",
		},
		{
			name: "phone",
			in:   "call me on 0412-555-123",
			want: "call me on [PHONE]",
		},
		{
			name: "date",
			in:   "surgery on 12/03/2024 went fine",
			want: "surgery on [DATE] went fine",
		},
		{
			name: "disease allowlist survives",
			in:   "concerns about Parkinson disease",
			want: "concerns about Parkinson disease",
		},
		{
			name: "clean text untouched",
			in:   "persistent dry cough for three days",
			want: "persistent dry cough for three days",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := m.Mask(context.Background(), []schema.TranscriptSegment{{Text: tc.in}})
			require.NoError(t, err)
			require.Equal(t, tc.want, out[0].Text)
		})
	}
}

func TestRegexMasker_DoesNotMutateInput(t *testing.T) {
	t.Parallel()

	m := NewRegexMasker()
	in := []schema.TranscriptSegment{{Text: "MRN: 999999"}}

	_, err := m.Mask(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, "MRN: 999999", in[0].Text)
}
