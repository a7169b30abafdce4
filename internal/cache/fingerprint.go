package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/relayforge/router/providers"
)

// Kind classifies a request for TTL purposes, per §4.7.
type Kind string

const (
	KindFactual    Kind = "factual"
	KindAnalytical Kind = "analytical"
	KindCreative   Kind = "creative"
	KindDefault    Kind = "default"
)

// optionFields lists the request fields that affect output and therefore
// belong in the exact fingerprint. Fields like User or Stream do not change
// the model's answer and are deliberately excluded.
var optionFields = []string{"temperature", "top_p", "n", "seed", "max_tokens",
	"max_completion_tokens", "presence_penalty", "frequency_penalty", "stop",
	"tools", "tool_choice", "response_format", "logit_bias"}

// Fingerprint computes the exact-tier cache key: a SHA-256 hash over the
// canonicalized (provider, model, messages, options-subset) tuple.
// gjson extracts only the option fields that influence output, so two
// requests differing only in ignorable fields (e.g. "user") collide.
func Fingerprint(provider, model string, req providers.Request) string {
	var b strings.Builder
	b.WriteString(provider)
	b.WriteByte('\x00')
	b.WriteString(model)
	b.WriteByte('\x00')
	for _, m := range req.Messages {
		b.WriteString(m.Role)
		b.WriteByte('\x01')
		b.WriteString(m.Content)
		b.WriteByte('\x00')
	}

	if raw, err := json.Marshal(req); err == nil {
		parsed := gjson.ParseBytes(raw)
		fields := append([]string(nil), optionFields...)
		sort.Strings(fields)
		for _, f := range fields {
			if v := parsed.Get(f); v.Exists() {
				b.WriteString(f)
				b.WriteByte('=')
				b.WriteString(v.Raw)
				b.WriteByte('\x00')
			}
		}
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// ClassifyKind makes a cheap best-effort guess at request Kind from sampling
// parameters, used to pick a TTL when the caller does not supply one
// explicitly. Low temperature suggests factual/deterministic use and tool
// use (at a middling or unset temperature) suggests analytical use; high
// temperature suggests creative use where caching is unsafe.
func ClassifyKind(req providers.Request) Kind {
	if req.Temperature != nil {
		switch {
		case *req.Temperature <= 0.2:
			return KindFactual
		case *req.Temperature >= 0.8:
			return KindCreative
		}
	}
	if len(req.Tools) > 0 {
		return KindAnalytical
	}
	return KindDefault
}

// embeddingDims is the size of the cheap hash-bag fallback embedding used
// when no real embedder is configured (§4.7 "may be a cheap hash-bag vector").
const embeddingDims = 64

// HashBagEmbed produces a deterministic bag-of-words hash embedding for text:
// each whitespace-separated token is hashed into one of embeddingDims buckets
// and the bucket is incremented, giving a crude but stable similarity signal
// without any external embedding model.
func HashBagEmbed(text string) []float64 {
	v := make([]float64, embeddingDims)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		sum := sha256.Sum256([]byte(tok))
		idx := int(sum[0])<<8 | int(sum[1])
		v[idx%embeddingDims]++
	}
	normalize(v)
	return v
}

func normalize(v []float64) {
	var norm float64
	for _, x := range v {
		norm += x * x
	}
	if norm == 0 {
		return
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] /= norm
	}
}

// CosineSimilarity returns the cosine similarity of two equal-length vectors.
func CosineSimilarity(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
