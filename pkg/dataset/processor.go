// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Tokenizer is the part of go-huggingface's api.Tokenizer used to tokenize examples.
type Tokenizer interface {
	Encode(text string) []int
}

// Special field names that insert the begin/end of sentence tokens.
const (
	FieldBOS = "<|bos|>"
	FieldEOS = "<|eos|>"
)

// TextProcessorConfig configures how a JSON example is turned into tokens and loss masks.
type TextProcessorConfig struct {
	// Fields is a comma separated list of example fields to concatenate. A field in brackets (e.g. "[prompt]")
	// is tokenized with loss mask 0, so it's used as context only. Fields can be joined with "+"
	// (e.g. "title+body"), in which case they are joined with SubfieldSeparator before tokenization.
	// FieldBOS and FieldEOS insert the special tokens.
	Fields string `yaml:"fields"`

	// FieldsFromExample, if set, is the name of the example field holding the list of fields to use,
	// overriding Fields.
	FieldsFromExample string `yaml:"fields_from_example"`

	SubfieldSeparator string `yaml:"subfield_separator"`
	AddBOSToken       bool   `yaml:"add_bos_token"`
	AddEOSToken       bool   `yaml:"add_eos_token"`

	// PrependText is added to the text of the first field.
	PrependText string `yaml:"prepend_text"`
}

// DefaultTextProcessorConfig uses the "text" field of each example.
func DefaultTextProcessorConfig() TextProcessorConfig {
	return TextProcessorConfig{
		Fields:            "text",
		SubfieldSeparator: " ",
		AddBOSToken:       true,
		AddEOSToken:       true,
	}
}

// TextProcessor converts examples to tokens and loss masks.
type TextProcessor struct {
	config     TextProcessorConfig
	tokenizer  Tokenizer
	bos, eos   int32
	fieldsList []string
}

// NewTextProcessor creates a TextProcessor. bos and eos are the ids of the begin/end of sentence tokens.
func NewTextProcessor(config TextProcessorConfig, tokenizer Tokenizer, bos, eos int) (*TextProcessor, error) {
	if tokenizer == nil {
		return nil, errors.New("text processor requires a tokenizer")
	}
	if config.Fields == "" && config.FieldsFromExample == "" {
		return nil, errors.New("text processor requires either fields or fields_from_example to be set")
	}
	p := &TextProcessor{config: config, tokenizer: tokenizer, bos: int32(bos), eos: int32(eos)}
	if config.Fields != "" {
		p.fieldsList = strings.Split(config.Fields, ",")
	}
	return p, nil
}

// Process returns the tokens and loss masks of one example.
func (p *TextProcessor) Process(example map[string]any) (tokens []int32, lossMasks []float32, err error) {
	if p.config.AddBOSToken {
		tokens = append(tokens, p.bos)
		lossMasks = append(lossMasks, 0)
	}
	fields := p.fieldsList
	if p.config.FieldsFromExample != "" {
		value, found := example[p.config.FieldsFromExample]
		if !found {
			return nil, nil, errors.Errorf("example has no field %q listing the fields to use", p.config.FieldsFromExample)
		}
		fields = strings.Split(fmt.Sprint(value), ",")
	}

	for ii, field := range fields {
		field = strings.TrimSpace(field)
		var mask float32 = 1
		if strings.HasPrefix(field, "[") && strings.HasSuffix(field, "]") {
			field = field[1 : len(field)-1]
			mask = 0
		}
		switch field {
		case FieldBOS:
			tokens = append(tokens, p.bos)
			lossMasks = append(lossMasks, mask)
		case FieldEOS:
			tokens = append(tokens, p.eos)
			lossMasks = append(lossMasks, mask)
		default:
			subfields := strings.Split(field, "+")
			texts := make([]string, 0, len(subfields))
			for _, subfield := range subfields {
				value, found := example[subfield]
				if !found {
					return nil, nil, errors.Errorf("example missing field %q", subfield)
				}
				if s, ok := value.(string); ok {
					texts = append(texts, s)
				} else {
					texts = append(texts, fmt.Sprint(value))
				}
			}
			text := strings.Join(texts, p.config.SubfieldSeparator)
			if ii == 0 {
				text = p.config.PrependText + text
			}
			encoded := toInt32(p.tokenizer.Encode(text))
			tokens = append(tokens, encoded...)
			for range encoded {
				lossMasks = append(lossMasks, mask)
			}
		}
	}

	if p.config.AddEOSToken {
		tokens = append(tokens, p.eos)
		lossMasks = append(lossMasks, 1)
	}
	return tokens, lossMasks, nil
}

func toInt32[T constraints.Integer](values []T) []int32 {
	converted := make([]int32, len(values))
	for ii, v := range values {
		converted[ii] = int32(v)
	}
	return converted
}
