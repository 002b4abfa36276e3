package position

import (
	"encoding/json"
	"fmt"
)

type envelope struct {
	Mode        Mode         `json:"mode"`
	Transaction *Transaction `json:"transaction,omitempty"`
	File        *File        `json:"file,omitempty"`
}

// Marshal encodes a position with its mode tag so that it can be stored as a checkpoint.
func Marshal(p Position) ([]byte, error) {
	env := envelope{Mode: p.Mode()}
	switch v := p.(type) {
	case Transaction:
		env.Transaction = &v
	case File:
		env.File = &v
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMode, p)
	}
	return json.Marshal(env)
}

// Unmarshal decodes a position previously encoded with Marshal.
func Unmarshal(byt []byte) (Position, error) {
	env := envelope{}
	if err := json.Unmarshal(byt, &env); err != nil {
		return nil, fmt.Errorf("error decoding position: %w", err)
	}
	switch env.Mode {
	case ModeTransaction:
		if env.Transaction == nil {
			return nil, fmt.Errorf("error decoding position: missing transaction coordinates")
		}
		return *env.Transaction, nil
	case ModeFile:
		if env.File == nil {
			return nil, fmt.Errorf("error decoding position: missing file coordinates")
		}
		return *env.File, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMode, env.Mode)
}
