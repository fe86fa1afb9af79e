package step

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Sequence 有序步骤序列，序列化为带 "kind" 标签的对象数组
type Sequence []Step

// MarshalJSON 为每个步骤写入 kind 标签
func (s Sequence) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, st := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		data, err := marshalStep(st)
		if err != nil {
			return nil, fmt.Errorf("序列化步骤 %d 失败: %w", i, err)
		}
		buf.Write(data)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON 根据 kind 标签还原具体步骤类型
func (s *Sequence) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return fmt.Errorf("解析步骤序列失败: %w", err)
	}
	out := make(Sequence, 0, len(raws))
	for i, raw := range raws {
		st, err := decodeStep(raw)
		if err != nil {
			return fmt.Errorf("解析步骤 %d 失败: %w", i, err)
		}
		out = append(out, st)
	}
	*s = out
	return nil
}

func marshalStep(st Step) ([]byte, error) {
	if st == nil {
		return nil, fmt.Errorf("空步骤")
	}
	body, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	kind, err := json.Marshal(st.Kind())
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(`{"kind":`)
	buf.Write(kind)
	inner := bytes.TrimSpace(body)
	inner = bytes.TrimPrefix(inner, []byte("{"))
	inner = bytes.TrimSuffix(inner, []byte("}"))
	if len(bytes.TrimSpace(inner)) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func decodeStep(raw json.RawMessage) (Step, error) {
	var head struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, err
	}
	st, err := newStep(head.Kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, st); err != nil {
		return nil, fmt.Errorf("解析 %s 步骤失败: %w", head.Kind, err)
	}
	return st, nil
}
