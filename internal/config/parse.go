package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Item is one slot of the parser contract: ParseConfiguration hands the
// parser a slot per known attribute (plus the synthetic cache_size and
// config_file entries); the parser fills the typed value and marks Found.
type Item struct {
	Key   string
	Kind  Kind
	Found bool
	Value Value
}

// Parser turns a parameter string into filled items. Implementations expand
// config_file references themselves; a config_file item marked Found after
// Parse is an invariant violation in the caller.
type Parser interface {
	Parse(text string, items []*Item) error
}

// ParseConfiguration parses a semicolon-delimited key=value string and
// applies every found item through the typed setters, so validators and
// listeners run exactly as for direct sets.
func (r *Registry) ParseConfiguration(text string, p Parser) error {
	r.mu.Lock()
	items := make([]*Item, 0, len(r.order)+2)
	for _, key := range r.order {
		items = append(items, &Item{Key: key, Kind: r.attrs[key].value.Kind})
	}
	r.mu.Unlock()

	// No alias support in the schema itself; expose cache_size to the parser
	// explicitly. config_file is handled (and consumed) by the parser.
	items = append(items,
		&Item{Key: "cache_size", Kind: KindSize},
		&Item{Key: "config_file", Kind: KindConfigFile})

	if err := p.Parse(text, items); err != nil {
		return fmt.Errorf("parse configuration: %w", err)
	}

	for _, it := range items {
		if !it.Found {
			continue
		}
		switch it.Kind {
		case KindConfigFile:
			return fmt.Errorf("%w: config_file item survived parse", ErrInvariant)
		case KindBool:
			if err := r.SetBool(it.Key, it.Value.Bool); err != nil {
				return err
			}
		case KindSize:
			if err := r.SetInteger(it.Key, it.Value.Size); err != nil {
				return err
			}
		case KindSSize:
			if err := r.SetSignedInteger(it.Key, it.Value.SSize); err != nil {
				return err
			}
		case KindFloat:
			if err := r.SetFloat(it.Key, it.Value.Float); err != nil {
				return err
			}
		case KindString:
			if err := r.SetString(it.Key, it.Value.String); err != nil {
				return err
			}
		}
	}
	return nil
}

// DefaultParser implements the key1=value1;key2=value2 format. Size values
// accept k/m/g/t suffixes. A config_file entry is read and parsed in place
// of the reference; nesting is bounded to keep reference cycles from
// recursing forever.
type DefaultParser struct {
	depth int
}

const maxConfigFileDepth = 4

func (p *DefaultParser) Parse(text string, items []*Item) error {
	for _, pair := range strings.Split(text, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("malformed entry %q", pair)
		}
		key = strings.TrimSpace(key)
		raw = strings.TrimSpace(raw)

		it := findItem(items, key)
		if it == nil {
			return fmt.Errorf("unknown key %q", key)
		}

		if it.Kind == KindConfigFile {
			if p.depth >= maxConfigFileDepth {
				return fmt.Errorf("config_file nesting exceeds %d", maxConfigFileDepth)
			}
			b, err := os.ReadFile(raw)
			if err != nil {
				return fmt.Errorf("config_file %q: %w", raw, err)
			}
			nested := &DefaultParser{depth: p.depth + 1}
			// Files may use newlines instead of semicolons.
			flat := strings.NewReplacer("\r\n", ";", "\n", ";").Replace(string(b))
			if err := nested.Parse(flat, items); err != nil {
				return fmt.Errorf("config_file %q: %w", raw, err)
			}
			// The reference is consumed here; Found stays false.
			continue
		}

		v, err := parseValue(it.Kind, raw)
		if err != nil {
			return fmt.Errorf("key %q: %w", key, err)
		}
		it.Value = v
		it.Found = true
	}
	return nil
}

func findItem(items []*Item, key string) *Item {
	for _, it := range items {
		if it.Key == key {
			return it
		}
	}
	return nil
}

func parseValue(kind Kind, raw string) (Value, error) {
	switch kind {
	case KindBool:
		switch strings.ToLower(raw) {
		case "true", "on", "yes":
			return BoolValue(true), nil
		case "false", "off", "no":
			return BoolValue(false), nil
		}
		return Value{}, fmt.Errorf("invalid bool %q", raw)
	case KindSize:
		n, err := parseSizeSuffix(raw)
		if err != nil {
			return Value{}, err
		}
		return SizeValue(n), nil
	case KindSSize:
		neg := strings.HasPrefix(raw, "-")
		body := strings.TrimPrefix(raw, "-")
		n, err := parseSizeSuffix(body)
		if err != nil {
			return Value{}, err
		}
		v := int64(n)
		if neg {
			v = -v
		}
		return SSizeValue(v), nil
	case KindFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Value{}, fmt.Errorf("invalid float %q", raw)
		}
		return FloatValue(f), nil
	case KindString:
		return StringValue(raw), nil
	default:
		return Value{}, fmt.Errorf("unparsable kind %s", kind)
	}
}

func parseSizeSuffix(raw string) (uint64, error) {
	if raw == "" {
		return 0, fmt.Errorf("invalid size %q", raw)
	}
	mult := uint64(1)
	switch raw[len(raw)-1] {
	case 'k', 'K':
		mult = 1 << 10
		raw = raw[:len(raw)-1]
	case 'm', 'M':
		mult = 1 << 20
		raw = raw[:len(raw)-1]
	case 'g', 'G':
		mult = 1 << 30
		raw = raw[:len(raw)-1]
	case 't', 'T':
		mult = 1 << 40
		raw = raw[:len(raw)-1]
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", raw)
	}
	return n * mult, nil
}
