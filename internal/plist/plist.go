// Package plist parses and re-serializes Munki pkginfo property lists.
package plist

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"howett.net/plist"
)

// Keys with special handling in the admin UI.
const (
	KeyName                  = "name"
	KeyDisplayName           = "display_name"
	KeyDescription           = "description"
	KeyVersion               = "version"
	KeyCatalogs              = "catalogs"
	KeyInstallerItemLocation = "installer_item_location"
	KeyUnattendedInstall     = "unattended_install"
	KeyForceInstallAfterDate = "force_install_after_date"
	KeyMinimumOSVersion      = "minimum_os_version"
	KeyMaximumOSVersion      = "maximum_os_version"
	KeyPackageCompleteURL    = "PackageCompleteURL"
)

var requiredKeys = []string{KeyName, KeyVersion, KeyInstallerItemLocation}

const defaultIndent = "  "

// Error reports a malformed or invalid plist document.
type Error struct {
	Msg string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// PackageInfoPlist is a parsed pkginfo dictionary.
type PackageInfoPlist struct {
	dict map[string]interface{}
}

// New returns an empty pkginfo dictionary.
func New() *PackageInfoPlist {
	return &PackageInfoPlist{dict: make(map[string]interface{})}
}

// Parse decodes an XML plist and validates it as a pkginfo document.
func Parse(data []byte) (*PackageInfoPlist, error) {
	p, err := ParseDict(data)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// ParseDict decodes an XML plist whose root is a dictionary without checking
// pkginfo-specific keys.
func ParseDict(data []byte) (*PackageInfoPlist, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, &Error{Msg: "empty plist"}
	}
	if !utf8.Valid(data) {
		return nil, &Error{Msg: "plist is not valid UTF-8"}
	}

	var root interface{}
	format, err := plist.Unmarshal(data, &root)
	if err != nil {
		return nil, &Error{Msg: "malformed plist", Err: err}
	}
	if format != plist.XMLFormat {
		return nil, &Error{Msg: fmt.Sprintf("unsupported plist format %d", format)}
	}
	dict, ok := root.(map[string]interface{})
	if !ok {
		return nil, &Error{Msg: "plist root must be a dict"}
	}
	return &PackageInfoPlist{dict: dict}, nil
}

// Validate checks the keys Munki requires and the types the admin UI edits.
func (p *PackageInfoPlist) Validate() error {
	var missing []string
	for _, key := range requiredKeys {
		if strings.TrimSpace(p.String(key)) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return &Error{Msg: fmt.Sprintf("missing required keys: %s", strings.Join(missing, ", "))}
	}
	if v, ok := p.dict[KeyCatalogs]; ok {
		if _, ok := toStrings(v); !ok {
			return &Error{Msg: "catalogs must be an array of strings"}
		}
	}
	if v, ok := p.dict[KeyUnattendedInstall]; ok {
		if _, ok := v.(bool); !ok {
			return &Error{Msg: "unattended_install must be a boolean"}
		}
	}
	if v, ok := p.dict[KeyForceInstallAfterDate]; ok {
		if _, ok := v.(time.Time); !ok {
			return &Error{Msg: "force_install_after_date must be a date"}
		}
	}
	return nil
}

// Has reports whether key is present.
func (p *PackageInfoPlist) Has(key string) bool {
	_, ok := p.dict[key]
	return ok
}

// Get returns the raw value stored under key.
func (p *PackageInfoPlist) Get(key string) (interface{}, bool) {
	v, ok := p.dict[key]
	return v, ok
}

// String returns key as a string, or "" when absent or not a string.
func (p *PackageInfoPlist) String(key string) string {
	s, _ := p.dict[key].(string)
	return s
}

// Bool returns key as a bool and whether it was present as one.
func (p *PackageInfoPlist) Bool(key string) (bool, bool) {
	b, ok := p.dict[key].(bool)
	return b, ok
}

// Date returns key as a time and whether it was present as one.
func (p *PackageInfoPlist) Date(key string) (time.Time, bool) {
	t, ok := p.dict[key].(time.Time)
	return t, ok
}

// Strings returns key as a string slice; absent keys yield nil.
func (p *PackageInfoPlist) Strings(key string) []string {
	out, _ := toStrings(p.dict[key])
	return out
}

// Set stores v under key. String slices are stored as plist arrays.
func (p *PackageInfoPlist) Set(key string, v interface{}) {
	if ss, ok := v.([]string); ok {
		arr := make([]interface{}, len(ss))
		for i, s := range ss {
			arr[i] = s
		}
		v = arr
	}
	p.dict[key] = v
}

// Delete removes key.
func (p *PackageInfoPlist) Delete(key string) {
	delete(p.dict, key)
}

// Keys returns the dictionary keys in sorted order.
func (p *PackageInfoPlist) Keys() []string {
	keys := make([]string, 0, len(p.dict))
	for k := range p.dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Dict returns a deep copy of the underlying dictionary.
func (p *PackageInfoPlist) Dict() map[string]interface{} {
	return deepCopy(p.dict).(map[string]interface{})
}

// Clone returns a deep copy of p.
func (p *PackageInfoPlist) Clone() *PackageInfoPlist {
	return &PackageInfoPlist{dict: p.Dict()}
}

// Equal reports whether p and other hold the same values.
func (p *PackageInfoPlist) Equal(other *PackageInfoPlist) bool {
	if p == nil || other == nil {
		return p == other
	}
	return reflect.DeepEqual(normalize(p.dict), normalize(other.dict))
}

// XML serializes p with two-space indentation.
func (p *PackageInfoPlist) XML() ([]byte, error) {
	return p.XMLIndent(len(defaultIndent))
}

// XMLIndent serializes p indented by width spaces per level.
func (p *PackageInfoPlist) XMLIndent(width int) ([]byte, error) {
	out, err := plist.MarshalIndent(p.dict, plist.XMLFormat, strings.Repeat(" ", width))
	if err != nil {
		return nil, &Error{Msg: "encode plist", Err: err}
	}
	return out, nil
}

// MarshalArray serializes a list of dictionaries, as used by catalogs.
func MarshalArray(items []map[string]interface{}) ([]byte, error) {
	if items == nil {
		items = []map[string]interface{}{}
	}
	out, err := plist.MarshalIndent(items, plist.XMLFormat, defaultIndent)
	if err != nil {
		return nil, &Error{Msg: "encode plist array", Err: err}
	}
	return out, nil
}

func toStrings(v interface{}) ([]string, bool) {
	switch vv := v.(type) {
	case nil:
		return nil, true
	case []string:
		return append([]string(nil), vv...), true
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

func deepCopy(v interface{}) interface{} {
	switch vv := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(vv))
		for k, item := range vv {
			out[k] = deepCopy(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, item := range vv {
			out[i] = deepCopy(item)
		}
		return out
	case []string:
		return append([]string(nil), vv...)
	case []byte:
		return append([]byte(nil), vv...)
	default:
		return vv
	}
}

// normalize folds the integer widths and slice types the decoder and the
// mutators may produce so equal documents compare equal.
func normalize(v interface{}) interface{} {
	switch vv := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(vv))
		for k, item := range vv {
			out[k] = normalize(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, item := range vv {
			out[i] = normalize(item)
		}
		return out
	case []string:
		out := make([]interface{}, len(vv))
		for i, item := range vv {
			out[i] = item
		}
		return out
	case int:
		return int64(vv)
	case uint64:
		return int64(vv)
	case time.Time:
		return vv.UTC().Truncate(time.Second)
	default:
		return vv
	}
}
