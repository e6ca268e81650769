package matrix

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/pservergo/pserver/services/pserver/partition"
)

func TestLoadDenseSkipsForeignAndDiscardsOutOfBounds(t *testing.T) {
	m := NewDense(rowPartitioner(t, 6, 2, 1, 2))
	input := `# row,col,value
0,0,1
3,0,3.5
4,1,4
5,1,5
9,0,99
3,7,99
`
	st, err := NewLoader(nil).Load(context.Background(), Task{
		Name:   "points",
		Source: NewLineSource("points.csv", strings.NewReader(input), RowColVal),
		Target: m,
	})
	if err != nil {
		t.Fatal(err)
	}
	if st.Records != 6 || st.Entries != 3 || st.Foreign != 1 || st.Discarded != 2 {
		t.Fatalf("stats %+v", st)
	}
	if v, _ := m.Get(3, 0); v != 3.5 {
		t.Fatalf("cell (3,0)=%v", v)
	}
}

func TestLoadFormatErrorNamesRecord(t *testing.T) {
	m := NewDense(rowPartitioner(t, 3, 2, 0, 1))
	_, err := NewLoader(nil).Load(context.Background(), Task{
		Name:   "bad",
		Source: NewLineSource("bad.csv", strings.NewReader("1 2\n3 x\n"), DenseRows),
		Target: m,
	})
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FormatError, got %v", err)
	}
	if fe.Line != 2 || fe.Record != "3 x" || fe.Source != "bad.csv" {
		t.Fatalf("format error %+v", fe)
	}
}

func TestLoadSVMIntoCSRWithLabels(t *testing.T) {
	p := rowPartitioner(t, 4, 3, 0, 1)
	data := NewCSR(p)
	labelPart, err := partition.NewRowPartitioner(4, 1, p.Topology())
	if err != nil {
		t.Fatal(err)
	}
	labels := NewDense(labelPart)
	input := "1 1:0.5 3:2\n-1 2:1\n\n1 1:1 2:1 3:1\n0\n"
	st, err := NewLoader(nil).Load(context.Background(), Task{
		Name:   "svm",
		Source: NewLineSource("train.svm", strings.NewReader(input), SVM),
		Target: data,
		Labels: labels,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !data.Built() {
		t.Fatalf("csr not built after load")
	}
	if st.Labels != 4 || st.Entries != 6 {
		t.Fatalf("stats %+v", st)
	}
	if v, _ := data.Get(0, 2); v != 2 {
		t.Fatalf("(0,2)=%v", v)
	}
	if v, _ := data.Get(1, 1); v != 1 {
		t.Fatalf("(1,1)=%v", v)
	}
	if v, _ := labels.Get(1, 0); v != -1 {
		t.Fatalf("label row 1 = %v", v)
	}
	if data.NNZ() != 6 {
		t.Fatalf("nnz %d", data.NNZ())
	}
}

func TestLoadAllRunsTasks(t *testing.T) {
	a := NewDense(rowPartitioner(t, 2, 2, 0, 1))
	b := NewDense(rowPartitioner(t, 2, 2, 0, 1))
	got, err := NewLoader(nil).LoadAll(context.Background(), []Task{
		{Name: "a", Source: NewSliceSource(Record{Entries: []Entry{{Row: 0, Col: 0, Value: 1}}}), Target: a},
		{Name: "b", Source: NewSliceSource(Record{Entries: []Entry{{Row: 1, Col: 1, Value: 2}}}), Target: b},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got["a"].Entries != 1 || got["b"].Entries != 1 {
		t.Fatalf("stats %+v", got)
	}
	if v, _ := b.Get(1, 1); v != 2 {
		t.Fatalf("b(1,1)=%v", v)
	}
}

func TestLoadHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLoader(nil).Load(ctx, Task{Name: "x", Source: NewSliceSource(), Target: NewDense(rowPartitioner(t, 1, 1, 0, 1))})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
