package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// Uint256 封装 uint256.Int 以支持 sql.Scanner、driver.Valuer 和 JSON.
// 链上金额（planks）统一使用它，避免精度丢失.
type Uint256 struct {
	*uint256.Int
}

func NewUint256(n uint64) Uint256 {
	return Uint256{uint256.NewInt(n)}
}

func NewUint256FromString(s string) (Uint256, bool) {
	var u Uint256
	if err := u.parse(s); err != nil {
		return Uint256{}, false
	}
	return u, true
}

// IsZero reports whether the value is unset or zero.
func (u Uint256) IsZero() bool {
	return u.Int == nil || u.Int.IsZero()
}

// Equal compares by value; nil counts as zero.
func (u Uint256) Equal(other Uint256) bool {
	if u.IsZero() || other.IsZero() {
		return u.IsZero() == other.IsZero()
	}
	return u.Int.Eq(other.Int)
}

// Value 实现 driver.Valuer (写入数据库).
func (u Uint256) Value() (driver.Value, error) {
	if u.Int == nil {
		return "0", nil
	}
	return u.Int.Dec(), nil
}

// Scan 实现 sql.Scanner (读取数据库).
func (u *Uint256) Scan(value interface{}) error {
	if value == nil {
		u.Int = uint256.NewInt(0)
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return u.parse(string(v))
	case string:
		return u.parse(v)
	case int64:
		if v < 0 {
			return fmt.Errorf("negative value %d for Uint256", v)
		}
		u.Int = uint256.NewInt(uint64(v))
		return nil
	default:
		return fmt.Errorf("unsupported type for Uint256: %T", v)
	}
}

// UnmarshalJSON accepts both quoted decimal strings and bare numbers, the
// remote chain config uses either form for existential deposits.
func (u *Uint256) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		u.Int = uint256.NewInt(0)
		return nil
	}
	return u.parse(s)
}

func (u Uint256) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalYAML lets seed files carry deposits as plain scalars.
func (u *Uint256) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return u.parse(s)
}

func (u *Uint256) parse(s string) error {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := uint256.FromHex(s)
		if err != nil {
			return fmt.Errorf("failed to convert hex %s to Uint256: %w", s, err)
		}
		u.Int = v
		return nil
	}

	// 处理科学计数法（PostgreSQL NUMERIC 可能返回）
	if strings.ContainsAny(s, "eE") {
		f, _, err := big.ParseFloat(s, 10, 0, big.ToNearestEven)
		if err != nil {
			return fmt.Errorf("failed to parse numeric %q: %w", s, err)
		}
		bi, acc := f.Int(nil)
		if acc != big.Exact {
			return fmt.Errorf("numeric %q is not an integer", s)
		}
		var overflow bool
		u.Int, overflow = uint256.FromBig(bi)
		if overflow {
			return fmt.Errorf("value %s overflows uint256", s)
		}
		return nil
	}

	v, err := uint256.FromDecimal(s)
	if err != nil {
		return fmt.Errorf("failed to convert %s to Uint256: %w", s, err)
	}
	u.Int = v
	return nil
}

// String 返回十进制字符串表示.
func (u Uint256) String() string {
	if u.Int == nil {
		return "0"
	}
	return u.Int.Dec()
}
