package dictionary

import (
	"fmt"

	"github.com/praetorian-inc/restfuzz/pkg/grammar"
)

// Generator produces candidate values on demand for a primitive kind,
// optionally scoped to a tag. Generators may be infinite; the pool applies
// the per-request budget.
type Generator func() []string

// generatorKey scopes a registered generator.
type generatorKey struct {
	kind grammar.PrimitiveType
	tag  string
}

// Pool composes candidate value sources for each fuzzable primitive, in
// order: explicit group values, dictionary entries, registered generators,
// and the primitive kind's baked-in default. It implements
// grammar.ValueProvider.
type Pool struct {
	dict       *Dictionary
	generators map[generatorKey]Generator
	// PerKindBudget caps how many values a single primitive contributes
	// to the combination space. Zero means unbounded.
	PerKindBudget int

	dates *dateNormalizer
}

// NewPool creates a pool over the given dictionary. A nil dictionary is
// treated as empty: only defaults and generators apply.
func NewPool(dict *Dictionary) *Pool {
	if dict == nil {
		dict = &Dictionary{}
	}
	return &Pool{
		dict:       dict,
		generators: make(map[generatorKey]Generator),
		dates:      newDateNormalizer(),
	}
}

// RegisterGenerator installs a value generator for a primitive kind. An
// empty tag registers the kind-wide generator; a tagged registration wins
// over the kind-wide one.
func (p *Pool) RegisterGenerator(kind grammar.PrimitiveType, tag string, gen Generator) {
	p.generators[generatorKey{kind, tag}] = gen
}

// defaults per primitive kind, used when neither the dictionary nor a
// generator supplies values.
var kindDefaults = map[grammar.PrimitiveType]string{
	grammar.FuzzableString:   "fuzzstring",
	grammar.FuzzableInt:      "1",
	grammar.FuzzableNumber:   "1.23",
	grammar.FuzzableBool:     "true",
	grammar.FuzzableDate:     "2019-06-26",
	grammar.FuzzableDateTime: "2019-06-26T20:20:39+00:00",
	grammar.FuzzableUUID4:    "903bcc44-30cf-4ea7-968a-d9d0da7c072f",
	grammar.FuzzableObject:   "{}",
}

// Values returns the ordered candidates for a primitive. See the source
// composition order in the package doc. An empty result for a primitive
// that requires values is ErrInvalidDictionary.
func (p *Pool) Values(prim *grammar.Primitive) ([]string, error) {
	var values []string

	switch prim.Type {
	case grammar.FuzzableGroup:
		values = append(values, prim.Values...)
	case grammar.CustomPayload:
		values = append(values, p.dict.CustomPayload[prim.Tag]...)
	case grammar.CustomPayloadUUIDSuffix:
		if base, ok := p.dict.CustomPayloadUUIDSuffix[prim.Tag]; ok {
			values = append(values, base)
		} else {
			// Fall back to the tag itself as the base, the common
			// compiler output for resource naming.
			values = append(values, prim.Tag)
		}
	default:
		values = append(values, prim.Examples...)
		values = append(values, p.dictValues(prim.Type)...)
	}

	if gen := p.generatorFor(prim.Type, prim.Tag); gen != nil {
		values = append(values, gen()...)
	}

	if len(values) == 0 {
		if def, ok := kindDefaults[prim.Type]; ok {
			if prim.Value != "" {
				def = prim.Value
			}
			values = append(values, def)
		} else if prim.Value != "" {
			values = append(values, prim.Value)
		}
	}

	if len(values) == 0 {
		return nil, fmt.Errorf("%w: no values for %s (tag %q)", ErrInvalidDictionary, prim.Type, prim.Tag)
	}

	switch prim.Type {
	case grammar.FuzzableDate:
		values = p.dates.normalizeAll(values, false)
	case grammar.FuzzableDateTime:
		values = p.dates.normalizeAll(values, true)
	}

	if p.PerKindBudget > 0 && len(values) > p.PerKindBudget {
		values = values[:p.PerKindBudget]
	}
	return values, nil
}

func (p *Pool) dictValues(kind grammar.PrimitiveType) []string {
	switch kind {
	case grammar.FuzzableString:
		return p.dict.FuzzableString
	case grammar.FuzzableInt:
		return p.dict.FuzzableInt
	case grammar.FuzzableNumber:
		return p.dict.FuzzableNumber
	case grammar.FuzzableBool:
		return p.dict.FuzzableBool
	case grammar.FuzzableDate:
		return p.dict.FuzzableDate
	case grammar.FuzzableDateTime:
		return p.dict.FuzzableDateTime
	case grammar.FuzzableUUID4:
		return p.dict.FuzzableUUID4
	case grammar.FuzzableObject:
		return p.dict.FuzzableObject
	}
	return nil
}

func (p *Pool) generatorFor(kind grammar.PrimitiveType, tag string) Generator {
	if gen, ok := p.generators[generatorKey{kind, tag}]; ok && tag != "" {
		return gen
	}
	if gen, ok := p.generators[generatorKey{kind, ""}]; ok {
		return gen
	}
	return nil
}

// ShadowValue returns the secondary-identity value for a payload tag, used
// by the namespace checker to swap identities. ok is false when the
// dictionary declares no shadow for the tag.
func (p *Pool) ShadowValue(tag string) (string, bool) {
	vals, ok := p.dict.ShadowValues[tag]
	if !ok || len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}

// PrimaryValue returns the primary value for a payload tag.
func (p *Pool) PrimaryValue(tag string) (string, bool) {
	vals, ok := p.dict.CustomPayload[tag]
	if !ok || len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}

// ShadowTags returns every payload tag that declares shadow values.
func (p *Pool) ShadowTags() []string {
	tags := make([]string, 0, len(p.dict.ShadowValues))
	for tag := range p.dict.ShadowValues {
		tags = append(tags, tag)
	}
	return tags
}
