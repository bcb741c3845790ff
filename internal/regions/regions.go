// Package regions maps ISO 3166-1 alpha-2 country codes to the coarse
// regions used for pool routing.
//
// Region identifiers form a closed, versioned enumeration. New regions may
// be appended; existing identifiers are never renamed because agents cache
// them.
package regions

import "strings"

// ID identifies a routing region.
type ID string

const (
	Europe       ID = "europe"
	NorthAmerica ID = "na"
	LatinAmerica ID = "latam"
	AsiaPacific  ID = "apac"
	MENA         ID = "mena"
	SubSaharan   ID = "ssa"
	CIS          ID = "cis"
	// Global is the catch-all region for unknown or malformed country codes.
	Global ID = "global"
)

// Default is returned by CountryToRegion when a code cannot be classified.
const Default = Global

// Version is bumped whenever a region is appended to the enumeration.
const Version = 1

type regionInfo struct {
	id        ID
	name      string
	countries []string
}

var table = []regionInfo{
	{
		id:   Europe,
		name: "Europe",
		countries: []string{
			"AT", "BE", "FR", "DE", "LI", "LU", "MC", "NL", "CH",
			"DK", "EE", "FI", "IS", "IE", "LV", "LT", "NO", "SE", "GB", "UK",
			"AD", "AL", "BA", "HR", "CY", "GR", "IT", "MT", "ME", "MK", "PT", "SM", "RS", "SI", "ES", "VA", "XK",
			"BG", "CZ", "HU", "PL", "RO", "SK",
		},
	},
	{
		id:   NorthAmerica,
		name: "North America",
		countries: []string{
			"US", "CA", "MX", "GT", "BZ", "HN", "SV", "NI", "CR", "PA", "CU", "JM",
			"HT", "DO", "PR", "BS", "BB", "TT", "LC", "VC", "GD", "AG", "DM", "KN",
			"AW", "CW", "SX", "BM", "KY", "VI", "VG", "TC", "AI", "MS", "GP", "MQ",
			"MF", "BL", "GL", "PM",
		},
	},
	{
		id:   LatinAmerica,
		name: "Latin America",
		countries: []string{
			"AR", "BO", "BR", "CL", "CO", "EC", "GY", "PY", "PE", "SR", "UY", "VE", "GF", "FK",
		},
	},
	{
		id:   AsiaPacific,
		name: "Asia Pacific",
		countries: []string{
			"CN", "JP", "KR", "KP", "MN", "TW", "HK", "MO", "SG", "MY", "TH", "VN",
			"PH", "ID", "MM", "KH", "LA", "BN", "TL", "IN", "PK", "BD", "LK", "NP",
			"BT", "MV", "AF", "AU", "NZ", "PG", "FJ", "SB", "VU", "NC", "PF", "WS",
			"TO", "FM", "PW", "MH", "KI", "NR", "TV", "GU", "MP", "AS", "CK", "NU",
			"TK", "WF",
		},
	},
	{
		id:   MENA,
		name: "Middle East & North Africa",
		countries: []string{
			"AE", "SA", "QA", "KW", "BH", "OM", "YE", "IQ", "IR", "JO", "LB", "SY",
			"IL", "PS", "TR", "EG", "LY", "TN", "DZ", "MA", "EH",
		},
	},
	{
		id:   SubSaharan,
		name: "Sub-Saharan Africa",
		countries: []string{
			"MR", "ML", "NE", "TD", "SD", "SS", "ER", "DJ", "SO", "ET", "KE", "UG",
			"RW", "BI", "TZ", "MZ", "MW", "ZM", "ZW", "BW", "NA", "SZ", "LS", "ZA",
			"MG", "MU", "SC", "KM", "RE", "YT", "AO", "CD", "CG", "CF", "CM", "GA",
			"GQ", "ST", "NG", "GH", "CI", "SN", "GM", "GN", "GW", "SL", "LR", "BF",
			"TG", "BJ", "CV",
		},
	},
	{
		id:   CIS,
		name: "CIS (Russia & neighbors)",
		countries: []string{
			"RU", "BY", "UA", "MD", "AM", "AZ", "GE", "KZ", "KG", "TJ", "TM", "UZ",
		},
	},
	{
		id:   Global,
		name: "Global",
	},
}

var (
	byCountry = buildCountryIndex()
	byID      = buildIDIndex()
)

func buildCountryIndex() map[string]ID {
	out := make(map[string]ID, 256)
	for _, info := range table {
		for _, code := range info.countries {
			out[code] = info.id
		}
	}
	return out
}

func buildIDIndex() map[ID]regionInfo {
	out := make(map[ID]regionInfo, len(table))
	for _, info := range table {
		out[info.id] = info
	}
	return out
}

// CountryToRegion classifies a two-letter country code. It never fails:
// unknown or malformed input yields Default.
func CountryToRegion(code string) ID {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if id, ok := byCountry[normalized]; ok {
		return id
	}
	return Default
}

// IsKnownCountry reports whether code maps to a region other than the fallback.
func IsKnownCountry(code string) bool {
	_, ok := byCountry[strings.ToUpper(strings.TrimSpace(code))]
	return ok
}

// Parse validates a region identifier. Matching is exact; identifiers are
// lowercase.
func Parse(value string) (ID, bool) {
	id := ID(strings.TrimSpace(value))
	if _, ok := byID[id]; !ok {
		return "", false
	}
	return id, true
}

// Valid reports whether id belongs to the enumeration.
func (id ID) Valid() bool {
	_, ok := byID[id]
	return ok
}

// DisplayName returns a human-readable label, or the raw identifier when
// unknown.
func DisplayName(id ID) string {
	if info, ok := byID[id]; ok {
		return info.name
	}
	return string(id)
}

// Region describes one entry of the enumeration.
type Region struct {
	ID   ID     `json:"id"`
	Name string `json:"name"`
}

// All lists the enumeration in stable order.
func All() []Region {
	out := make([]Region, 0, len(table))
	for _, info := range table {
		out = append(out, Region{ID: info.id, Name: info.name})
	}
	return out
}

// Countries returns the country codes that classify into id.
func Countries(id ID) []string {
	info, ok := byID[id]
	if !ok {
		return nil
	}
	out := make([]string, len(info.countries))
	copy(out, info.countries)
	return out
}
