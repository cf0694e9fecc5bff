package dataset

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = `# generated by hand
x, y, z
1, 2, 3
# a comment between rows
4, 5, 6
`

func TestReadCSV(t *testing.T) {
	table, err := ReadCSV(strings.NewReader(sampleCSV))
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "z"}, table.Labels)
	assert.Equal(t, 2, table.Rows())

	z, err := table.Column("z")
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 6}, z)
}

func TestReadCSVRejectsRaggedRows(t *testing.T) {
	_, err := ReadCSV(strings.NewReader("x,y\n1\n"))
	require.Error(t, err)
}

func TestReadCSVRejectsNonNumeric(t *testing.T) {
	_, err := ReadCSV(strings.NewReader("x,y\n1,abc\n"))
	require.Error(t, err)
}

func TestReadColumns(t *testing.T) {
	in := "# header follows\nrho   T   P\n1 2 3\n\n4 5 6\n"
	table, err := ReadColumns(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, []string{"rho", "T", "P"}, table.Labels)

	cols, err := table.Select([]string{"P", "rho"})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{3, 6}, {1, 4}}, cols)

	_, err = table.Select([]string{"missing"})
	require.ErrorIs(t, err, ErrUnknownColumn)
}

func TestReadFileByExtension(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "data.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(sampleCSV), 0o644))
	datPath := filepath.Join(dir, "data.dat")
	require.NoError(t, os.WriteFile(datPath, []byte("a b\n1 2\n"), 0o644))

	table, err := ReadFile(csvPath)
	require.NoError(t, err)
	assert.Equal(t, 2, table.Rows())

	table, err = ReadFile(datPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, table.Labels)
}

func TestFullRandomKeepsRequestedRowsAndAlignment(t *testing.T) {
	table := Table{Labels: []string{"x", "y"}, Columns: [][]float64{make([]float64, 100), make([]float64, 100)}}
	for i := 0; i < 100; i++ {
		table.Columns[0][i] = float64(i)
		table.Columns[1][i] = float64(i) * 10
	}

	f, err := NewFilter(FilterSpec{Type: "fullRandom", Seed: 7, RemovalFraction: Fraction(0.25)})
	require.NoError(t, err)
	out, err := f.Apply(table)
	require.NoError(t, err)

	require.Equal(t, 75, out.Rows())
	for i := range out.Columns[0] {
		assert.Equal(t, out.Columns[0][i]*10, out.Columns[1][i])
	}
	assert.Equal(t, 100, table.Rows())

	again, err := f.Apply(table)
	require.NoError(t, err)
	assert.Equal(t, out, again)
}

func TestFullRandomRemainingPointsWins(t *testing.T) {
	table := Table{Labels: []string{"x"}, Columns: [][]float64{{1, 2, 3, 4, 5}}}
	out, err := ApplyFilters(table, []Filter{FullRandom{Seed: 1, RemovalFraction: 0.9, RemainingPoints: 4}})
	require.NoError(t, err)
	assert.Equal(t, 4, out.Rows())
}

func TestNewFilter(t *testing.T) {
	cases := []struct {
		name    string
		spec    FilterSpec
		want    Filter
		wantErr bool
	}{
		{
			name: "fullRandom default fraction",
			spec: FilterSpec{Type: "fullRandom", Seed: 3},
			want: FullRandom{Seed: 3, RemovalFraction: 0.5},
		},
		{
			name: "fullRandom explicit zero",
			spec: FilterSpec{Type: "FULLRANDOM", RemovalFraction: Fraction(0)},
			want: FullRandom{},
		},
		{
			name:    "fullRandom fraction above one",
			spec:    FilterSpec{Type: "fullRandom", RemovalFraction: Fraction(1.5)},
			wantErr: true,
		},
		{
			name: "gridRandom defaults",
			spec: FilterSpec{Type: "gridRandom"},
			want: GridRandom{Axes: GridAxes{XName: "rho", YName: "T", XRemovalFraction: 0.5, YRemovalFraction: 0.5}},
		},
		{
			name: "gridRegular",
			spec: FilterSpec{Type: "gridRegular", XAxisName: "a", YAxisName: "b", XRemovalFraction: Fraction(0.25), YRemainingPoints: 4, StartValue: Fraction(1)},
			want: GridRegular{StartValue: 1, Axes: GridAxes{XName: "a", YName: "b", XRemovalFraction: 0.25, YRemovalFraction: 0.5, YRemainingPoints: 4}},
		},
		{
			name: "gridRegular random start",
			spec: FilterSpec{Type: "gridRegular", Seed: 9},
			want: GridRegular{Seed: 9, StartValue: -1, Axes: GridAxes{XName: "rho", YName: "T", XRemovalFraction: 0.5, YRemovalFraction: 0.5}},
		},
		{
			name:    "gridRandom bad y fraction",
			spec:    FilterSpec{Type: "gridRandom", YRemovalFraction: Fraction(-0.1)},
			wantErr: true,
		},
		{
			name: "removeCold",
			spec: FilterSpec{Type: "removeCold", RemoveZero: true, Functions: []string{"P"}},
			want: RemoveCold{RhoName: "rho", TName: "T", RemoveZero: true, Functions: []string{"P"}},
		},
		{
			name:    "unknown",
			spec:    FilterSpec{Type: "smooth"},
			wantErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NewFilter(tc.spec)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFullRandomExplicitZeroKeepsEverything(t *testing.T) {
	table := Table{Labels: []string{"x"}, Columns: [][]float64{{1, 2, 3, 4, 5}}}
	f, err := NewFilter(FilterSpec{Type: "fullRandom", Seed: 1, RemovalFraction: Fraction(0)})
	require.NoError(t, err)
	out, err := f.Apply(table)
	require.NoError(t, err)
	assert.Equal(t, table, out)
}

// gridTable builds a row-major grid over rho (fastest) and T with
// P = 100*T + rho.
func gridTable(rhos, temps []float64) Table {
	t := Table{Labels: []string{"rho", "T", "P"}, Columns: make([][]float64, 3)}
	for _, temp := range temps {
		for _, rho := range rhos {
			t.Columns[0] = append(t.Columns[0], rho)
			t.Columns[1] = append(t.Columns[1], temp)
			t.Columns[2] = append(t.Columns[2], 100*temp+rho)
		}
	}
	return t
}

func TestGridFilters(t *testing.T) {
	rhos := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9}
	temps := []float64{10, 20, 30, 40, 50}
	table := gridTable(rhos, temps)

	cases := []struct {
		name   string
		filter Filter
		wantX  []float64
		wantY  []float64
	}{
		{
			name:   "gridRegular half from zero",
			filter: GridRegular{StartValue: 0, Axes: GridAxes{XName: "rho", YName: "T", XRemovalFraction: 0.5, YRemovalFraction: 0.5}},
			wantX:  []float64{1, 3, 5, 7, 9},
			wantY:  []float64{10, 30, 50},
		},
		{
			name:   "gridRegular start one keeps first interior",
			filter: GridRegular{StartValue: 1, Axes: GridAxes{XName: "rho", YName: "T", XRemovalFraction: 0.5, YRemovalFraction: 0}},
			wantX:  []float64{1, 2, 3, 5, 7, 9},
			wantY:  temps,
		},
		{
			name:   "gridRegular nothing removed",
			filter: GridRegular{StartValue: 0, Axes: GridAxes{XName: "rho", YName: "T"}},
			wantX:  rhos,
			wantY:  temps,
		},
		{
			name:   "gridRandom remaining points",
			filter: GridRandom{Seed: 5, Axes: GridAxes{XName: "rho", YName: "T", XRemainingPoints: 4, YRemainingPoints: 5}},
			wantY:  temps,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := tc.filter.Apply(table)
			require.NoError(t, err)

			xs := uniqueSorted(out.Columns[0])
			ys := uniqueSorted(out.Columns[1])
			if tc.wantX != nil {
				assert.Equal(t, tc.wantX, xs)
			}
			assert.Equal(t, tc.wantY, ys)
			assert.Equal(t, rhos[0], xs[0])
			assert.Equal(t, rhos[len(rhos)-1], xs[len(xs)-1])

			// still a full row-major grid with every row intact
			require.Equal(t, len(xs)*len(ys), out.Rows())
			for i := 0; i < out.Rows(); i++ {
				assert.Equal(t, xs[i%len(xs)], out.Columns[0][i])
				assert.Equal(t, ys[i/len(xs)], out.Columns[1][i])
				assert.Equal(t, 100*out.Columns[1][i]+out.Columns[0][i], out.Columns[2][i])
			}
		})
	}
}

func TestGridRandomKeepsRequestedLines(t *testing.T) {
	table := gridTable([]float64{1, 2, 3, 4, 5, 6}, []float64{1, 2, 3, 4})
	f := GridRandom{Seed: 2, Axes: GridAxes{XName: "rho", YName: "T", XRemainingPoints: 3, YRemovalFraction: 0.5}}
	out, err := f.Apply(table)
	require.NoError(t, err)
	assert.Len(t, uniqueSorted(out.Columns[0]), 3)
	assert.Len(t, uniqueSorted(out.Columns[1]), 2)

	again, err := f.Apply(table)
	require.NoError(t, err)
	assert.Equal(t, out, again)
}

func TestRemoveCold(t *testing.T) {
	table := gridTable([]float64{1, 2, 3}, []float64{0, 1, 2})
	table.Labels = append(table.Labels, "E")
	table.Columns = append(table.Columns, []float64{5, 5, 5, 6, 7, 8, 9, 9, 9})

	cases := []struct {
		name   string
		filter RemoveCold
		wantP  []float64
		wantE  []float64
	}{
		{
			name:   "every function",
			filter: RemoveCold{RhoName: "rho", TName: "T"},
			wantP:  []float64{0, 0, 0, 100, 100, 100, 200, 200, 200},
			wantE:  []float64{0, 0, 0, 1, 2, 3, 4, 4, 4},
		},
		{
			name:   "listed function",
			filter: RemoveCold{RhoName: "rho", TName: "T", Functions: []string{"E"}},
			wantP:  []float64{1, 2, 3, 101, 102, 103, 201, 202, 203},
			wantE:  []float64{0, 0, 0, 1, 2, 3, 4, 4, 4},
		},
		{
			name:   "drop zero isotherm",
			filter: RemoveCold{RhoName: "rho", TName: "T", RemoveZero: true},
			wantP:  []float64{100, 100, 100, 200, 200, 200},
			wantE:  []float64{1, 2, 3, 4, 4, 4},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := tc.filter.Apply(table)
			require.NoError(t, err)
			assert.Equal(t, tc.wantP, out.Columns[2])
			assert.Equal(t, tc.wantE, out.Columns[3])
		})
	}
	assert.Equal(t, []float64{1, 2, 3, 101, 102, 103, 201, 202, 203}, table.Columns[2], "input must not change")
}

func TestGridFiltersRejectBadInput(t *testing.T) {
	ragged := gridTable([]float64{1, 2, 3}, []float64{1, 2})
	for c := range ragged.Columns {
		ragged.Columns[c] = ragged.Columns[c][:5]
	}
	cases := []struct {
		name   string
		filter Filter
		table  Table
		want   error
	}{
		{name: "ragged grid", filter: GridRandom{Axes: GridAxes{XName: "rho", YName: "T"}}, table: ragged, want: ErrNotGrid},
		{name: "missing axis", filter: GridRegular{Axes: GridAxes{XName: "rho", YName: "V"}}, table: gridTable([]float64{1}, []float64{1}), want: ErrUnknownColumn},
		{name: "missing function", filter: RemoveCold{RhoName: "rho", TName: "T", Functions: []string{"Q"}}, table: gridTable([]float64{1}, []float64{1}), want: ErrUnknownColumn},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ApplyFilters(tc.table, []Filter{tc.filter})
			require.ErrorIs(t, err, tc.want)
		})
	}
}
