package project

import (
	"encoding/json"
	"fmt"
	"os"

	"interpolapse/internal/imaging"
)

type curvesFile struct {
	Red   []int `json:"red"`
	Green []int `json:"green"`
	Blue  []int `json:"blue"`
}

// LoadCurves reads a curves file of three 256-entry channel tables.
func LoadCurves(path string) (*imaging.Curve, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read curves: %w", err)
	}
	var cf curvesFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("decode curves %s: %w", path, err)
	}
	return imaging.CurveFromTables(cf.Red, cf.Green, cf.Blue)
}
