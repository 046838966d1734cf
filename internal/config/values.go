package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

// getTokens accepts either a map from a config file
// (address -> {symbol, decimals}) or the flag/env form
// "0xabc=DAI:18,0xdef=USDC:6".
func getTokens(v *viper.Viper, key string) (map[string]Token, error) {
	out := make(map[string]Token)
	if !v.IsSet(key) {
		return out, nil
	}

	switch typed := v.Get(key).(type) {
	case map[string]interface{}:
		for addr, raw := range typed {
			tok := Token{Address: strings.ToLower(strings.TrimSpace(addr))}
			switch spec := raw.(type) {
			case map[string]interface{}:
				tok.Symbol = fmt.Sprintf("%v", spec["symbol"])
				if d, ok := spec["decimals"]; ok {
					decimals, err := parseDecimals(fmt.Sprintf("%v", d))
					if err != nil {
						return nil, fmt.Errorf("token %s: %w", addr, err)
					}
					tok.Decimals = decimals
				}
			default:
				parsed, err := parseTokenSpec(tok.Address, fmt.Sprintf("%v", spec))
				if err != nil {
					return nil, err
				}
				tok = parsed
			}
			out[tok.Address] = tok
		}
	case string:
		for addr, spec := range parseStringMap(typed) {
			tok, err := parseTokenSpec(addr, spec)
			if err != nil {
				return nil, err
			}
			out[tok.Address] = tok
		}
	case []string:
		for addr, spec := range parseStringMap(strings.Join(typed, ",")) {
			tok, err := parseTokenSpec(addr, spec)
			if err != nil {
				return nil, err
			}
			out[tok.Address] = tok
		}
	default:
		return nil, fmt.Errorf("unsupported %s value %T", key, typed)
	}
	return out, nil
}

func parseTokenSpec(addr, spec string) (Token, error) {
	tok := Token{Address: strings.ToLower(strings.TrimSpace(addr)), Decimals: 18}
	symbol, decimals, found := strings.Cut(spec, ":")
	tok.Symbol = strings.TrimSpace(symbol)
	if found {
		d, err := parseDecimals(decimals)
		if err != nil {
			return Token{}, fmt.Errorf("token %s: %w", addr, err)
		}
		tok.Decimals = d
	}
	return tok, nil
}

func parseDecimals(input string) (uint8, error) {
	val, err := strconv.ParseUint(strings.TrimSpace(input), 10, 8)
	if err != nil {
		return 0, fmt.Errorf("parse decimals: %w", err)
	}
	return uint8(val), nil
}

func parseStringMap(input string) map[string]string {
	out := make(map[string]string)
	if strings.TrimSpace(input) == "" {
		return out
	}
	pairs := strings.Split(input, ",")
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	return out
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}

func lowerAll(items []string) []string {
	for i := range items {
		items[i] = strings.ToLower(items[i])
	}
	return items
}
