package extract

import "testing"

func TestEnergy(t *testing.T) {
	cases := []struct {
		name     string
		artifact string
		stdout   string
		want     float64
		ok       bool
	}{
		{
			name:     "artifact annotation",
			artifact: "3\nEnergy: -607739.12 kJ/mol\nO 0.0 0.0 0.0\n",
			want:     -607739.12,
			ok:       true,
		},
		{
			name:   "stdout fallback",
			stdout: "Starting geometry optimization...\nOptimized geometry with energy: -12.3 kJ/mol\n",
			want:   -12.3,
			ok:     true,
		},
		{
			name:     "artifact wins over stdout",
			artifact: "Energy: -1.00 kJ/mol",
			stdout:   "Optimized geometry with energy: -2.00 kJ/mol",
			want:     -1,
			ok:       true,
		},
		{
			name:     "neither source",
			artifact: "3\n\nO 0 0 0\n",
			stdout:   "Error in optimization: SCF not converged",
		},
		{
			name:     "wrong unit is ignored",
			artifact: "Energy: -231.5 Hartree",
		},
		{
			name:     "exponent form",
			artifact: "Energy: -6.0773912e5 kJ/mol",
			want:     -607739.12,
			ok:       true,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := Energy(c.artifact, c.stdout)
			if ok != c.ok {
				t.Fatalf("expected ok=%v, got %v", c.ok, ok)
			}
			if ok && got != c.want {
				t.Fatalf("expected %v, got %v", c.want, got)
			}
		})
	}
}
