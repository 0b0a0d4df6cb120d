package decoder

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Variable is one named parameter snapshot. The value is held as a gomlx
// tensor so snapshots plug directly into gomlx-side tooling and can be
// serialized alongside dataset tensors.
type Variable struct {
	Name  string
	Shape shapes.Shape
	Value *tensors.Tensor
}

func (d *Decoder) parameters() []Parameter {
	var params []Parameter
	for _, l := range d.trunk {
		if p, ok := l.(Parameterized); ok {
			params = append(params, p.Parameters()...)
		}
	}
	for _, head := range d.heads {
		for _, l := range head {
			if p, ok := l.(Parameterized); ok {
				params = append(params, p.Parameters()...)
			}
		}
	}
	return params
}

// State snapshots every learnable parameter, in construction order. The
// returned tensors copy the weights, so later training does not mutate a
// snapshot.
func (d *Decoder) State() []Variable {
	params := d.parameters()
	vars := make([]Variable, 0, len(params))
	for _, p := range params {
		data := make([]float32, len(p.Data))
		copy(data, p.Data)
		t := tensors.FromFlatDataAndDimensions(data, p.Dims...)
		vars = append(vars, Variable{Name: p.Name, Shape: t.Shape(), Value: t})
	}
	return vars
}

// Restore loads a snapshot back into the decoder. The snapshot must cover
// every parameter exactly: missing, surplus, or mis-sized variables are an
// error, and all validation runs before the first weight is written so a
// failed Restore leaves the decoder untouched.
func (d *Decoder) Restore(vars []Variable) error {
	byName := make(map[string]Variable, len(vars))
	for _, v := range vars {
		if _, dup := byName[v.Name]; dup {
			return fmt.Errorf("duplicate variable %q", v.Name)
		}
		byName[v.Name] = v
	}

	params := d.parameters()
	known := make(map[string]bool, len(params))
	for _, p := range params {
		known[p.Name] = true
		v, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("snapshot is missing variable %q", p.Name)
		}
		flat := tensors.CopyFlatData[float32](v.Value)
		if len(flat) != len(p.Data) {
			return fmt.Errorf("variable %q has %d values, expected %d", p.Name, len(flat), len(p.Data))
		}
	}
	for name := range byName {
		if !known[name] {
			return fmt.Errorf("snapshot contains unknown variable %q", name)
		}
	}

	for _, p := range params {
		copy(p.Data, tensors.CopyFlatData[float32](byName[p.Name].Value))
	}
	return nil
}
