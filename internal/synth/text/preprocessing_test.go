package text_test

import (
	"testing"

	"github.com/book-expert/synthesis-service/internal/synth/text"
	"github.com/stretchr/testify/assert"
)

func TestPreprocessor_PreprocessText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "empty", input: "", expected: ""},
		{name: "whitespace only", input: " \t\n ", expected: ""},
		{name: "plain", input: "hello", expected: "hello"},
		{name: "collapses whitespace", input: "  hello \n\n  world\t", expected: "hello world"},
		{name: "expands abbreviations", input: "Dr. Smith met Mr. Jones", expected: "Doctor Smith met Mister Jones"},
		{name: "removes references", input: "Water boils at 100 degrees[12].", expected: "Water boils at 100 degrees."},
		{name: "smart quotes", input: "“Hi” she said, ‘ok’", expected: `"Hi" she said, 'ok'`},
		{name: "ellipsis character", input: "Wait… what", expected: "Wait... what"},
		{name: "long ellipsis", input: "Hmm...... fine", expected: "Hmm... fine"},
		{name: "repeated punctuation", input: "Really?!?! Yes!!!", expected: "Really? Yes!"},
		{name: "em dash becomes pause", input: "One — two", expected: "One, two"},
		{name: "control characters", input: "bell\a here", expected: "bell here"},
	}

	preprocessor := text.NewPreprocessor()

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, testCase.expected, preprocessor.PreprocessText(testCase.input))
		})
	}
}
