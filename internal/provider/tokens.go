package provider

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/RockChinQ/LangBot/pkg/models"
)

const fallbackEncoding = "cl100k_base"

var (
	encCacheMu sync.Mutex
	encCache   = map[string]*tiktoken.Tiktoken{}
)

// encodingForModel resolves a tokenizer, preferring the model mapping,
// then the configured encoding, then the fallback.
func encodingForModel(model *Model) (*tiktoken.Tiktoken, error) {
	if enc, err := tiktoken.EncodingForModel(model.WireName()); err == nil {
		return enc, nil
	}
	name := model.TokenEncoding
	if name == "" {
		name = fallbackEncoding
	}
	encCacheMu.Lock()
	defer encCacheMu.Unlock()
	if enc, ok := encCache[name]; ok {
		return enc, nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, err
	}
	encCache[name] = enc
	return enc, nil
}

// CountTokens estimates the token count of one message for the given
// model. Tool-call arguments and multimodal text parts are included;
// images count a flat constant.
func CountTokens(model *Model, msg *models.Message) int {
	const perMessageOverhead = 4
	const perImageCost = 255

	enc, err := encodingForModel(model)
	if err != nil {
		// Rough fallback: one token per 4 bytes.
		return perMessageOverhead + len(msg.ReadableText())/4
	}

	count := perMessageOverhead
	if msg.Content != "" {
		count += len(enc.Encode(msg.Content, nil, nil))
	}
	for _, part := range msg.ContentParts {
		switch part.Type {
		case models.ContentText:
			count += len(enc.Encode(part.Text, nil, nil))
		default:
			count += perImageCost
		}
	}
	for _, call := range msg.ToolCalls {
		count += len(enc.Encode(call.Function.Name, nil, nil))
		count += len(enc.Encode(call.Function.Arguments, nil, nil))
	}
	return count
}
