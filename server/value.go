package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// ValueKind 自定义数据值的类型标签
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value 带类型标签的 JSON 兼容值（玩家自定义数据的叶子/嵌套节点）
type Value struct {
	kind ValueKind
	b    bool
	n    float64
	s    string
	list []Value
	m    *DataMap
}

func Null() Value { return Value{kind: KindNull} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func List(vs ...Value) Value { return Value{kind: KindList, list: vs} }
func Map(m *DataMap) Value { return Value{kind: KindMap, m: m} }
func (v Value) Kind() ValueKind { return v.kind }

func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }
func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }
func (v Value) AsList() ([]Value, bool) { return v.list, v.kind == KindList }
func (v Value) AsMap() (*DataMap, bool) { return v.m, v.kind == KindMap }

// Equal 按值深度比较（Map 比较忽略键顺序）
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n
	case KindString:
		return v.s == o.s
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		return v.m.Equal(o.m)
	}
	return false
}

// Clone 深拷贝，快照不与实体共享可变节点
func (v Value) Clone() Value {
	switch v.kind {
	case KindList:
		out := make([]Value, len(v.list))
		for i := range v.list {
			out[i] = v.list[i].Clone()
		}
		return Value{kind: KindList, list: out}
	case KindMap:
		return Value{kind: KindMap, m: v.m.Clone()}
	default:
		return v
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		return json.Marshal(v.n)
	case KindString:
		return json.Marshal(v.s)
	case KindList:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := item.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case KindMap:
		if v.m == nil {
			return []byte("{}"), nil
		}
		return v.m.MarshalJSON()
	}
	return nil, fmt.Errorf("value: unknown kind %v", v.kind)
}

func (v *Value) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	out, err := decodeValue(dec)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

// DataMap 有序键值表：保留插入顺序，用于玩家的自定义 data 字段
type DataMap struct {
	keys []string
	vals map[string]Value
}

func NewDataMap() *DataMap {
	return &DataMap{vals: make(map[string]Value)}
}

// Len 对 nil 安全
func (d *DataMap) Len() int {
	if d == nil {
		return 0
	}
	return len(d.keys)
}

func (d *DataMap) Get(key string) (Value, bool) {
	if d == nil {
		return Value{}, false
	}
	v, ok := d.vals[key]
	return v, ok
}

// Set 写入键值；新键追加到末尾，已有键原位覆盖
func (d *DataMap) Set(key string, v Value) {
	if d.vals == nil {
		d.vals = make(map[string]Value)
	}
	if _, ok := d.vals[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.vals[key] = v
}

func (d *DataMap) Keys() []string {
	if d == nil {
		return nil
	}
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}

// Merge 按键合并 other：other 中出现的键整体覆盖，未出现的键保留
// 返回是否有任何值发生变化
func (d *DataMap) Merge(other *DataMap) bool {
	changed := false
	for _, k := range other.Keys() {
		nv := other.vals[k]
		if cur, ok := d.vals[k]; ok && cur.Equal(nv) {
			continue
		}
		d.Set(k, nv.Clone())
		changed = true
	}
	return changed
}

func (d *DataMap) Clone() *DataMap {
	if d == nil {
		return nil
	}
	out := &DataMap{keys: make([]string, len(d.keys)), vals: make(map[string]Value, len(d.vals))}
	copy(out.keys, d.keys)
	for k, v := range d.vals {
		out.vals[k] = v.Clone()
	}
	return out
}

// Equal 深度比较；nil 与空表视为相等
func (d *DataMap) Equal(o *DataMap) bool {
	if d.Len() != o.Len() {
		return false
	}
	for _, k := range d.Keys() {
		ov, ok := o.Get(k)
		if !ok || !d.vals[k].Equal(ov) {
			return false
		}
	}
	return true
}

// Diff 返回 d 中与 prev 取值不同（或 prev 中不存在）的条目；无差异时返回 nil
func (d *DataMap) Diff(prev *DataMap) *DataMap {
	var out *DataMap
	for _, k := range d.Keys() {
		v := d.vals[k]
		if pv, ok := prev.Get(k); ok && pv.Equal(v) {
			continue
		}
		if out == nil {
			out = NewDataMap()
		}
		out.Set(k, v.Clone())
	}
	return out
}

func (d *DataMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range d.Keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := d.vals[k].MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("data %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (d *DataMap) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return err
	}
	m, ok := v.AsMap()
	if !ok {
		return fmt.Errorf("data: expected object, got %v", v.Kind())
	}
	*d = *m
	return nil
}

// decodeValue 逐 token 解码，保证对象键按原始顺序进入 DataMap
func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		if err == io.EOF {
			return Value{}, io.ErrUnexpectedEOF
		}
		return Value{}, err
	}
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("number %q: %w", t, err)
		}
		return Number(f), nil
	case json.Delim:
		switch t {
		case '{':
			m := NewDataMap()
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := kt.(string)
				if !ok {
					return Value{}, fmt.Errorf("object key: unexpected %v", kt)
				}
				v, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				m.Set(key, v)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return Map(m), nil
		case '[':
			list := []Value{}
			for dec.More() {
				v, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				list = append(list, v)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return List(list...), nil
		}
	}
	return Value{}, fmt.Errorf("unexpected token %v", tok)
}

// ValueOf 将 YAML/通用 Go 值转换为 Value（用于配置中的初始 data）
func ValueOf(x interface{}) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case float64:
		return Number(t), nil
	case string:
		return String(t), nil
	case []interface{}:
		list := make([]Value, 0, len(t))
		for _, item := range t {
			v, err := ValueOf(item)
			if err != nil {
				return Value{}, err
			}
			list = append(list, v)
		}
		return List(list...), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		m := NewDataMap()
		for _, k := range keys {
			v, err := ValueOf(t[k])
			if err != nil {
				return Value{}, err
			}
			m.Set(k, v)
		}
		return Map(m), nil
	case map[interface{}]interface{}:
		sm := make(map[string]interface{}, len(t))
		for k, item := range t {
			ks, ok := k.(string)
			if !ok {
				return Value{}, fmt.Errorf("map key %v is not a string", k)
			}
			sm[ks] = item
		}
		return ValueOf(sm)
	}
	return Value{}, fmt.Errorf("unsupported value type %T", x)
}
