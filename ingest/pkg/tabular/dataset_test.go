package tabular

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/require"
)

func tripsDataset() *Dataset {
	return &Dataset{Columns: []*Column{
		{Name: "VendorID", Type: arrow.PrimitiveTypes.Int32, Nullable: true, Values: []any{int32(1), int32(2), nil}},
		{Name: "store_and_fwd_flag", Type: arrow.FixedWidthTypes.Boolean, Nullable: true, Values: []any{true, false, nil}},
		{Name: "fare_amount", Type: arrow.PrimitiveTypes.Float64, Nullable: true, Values: []any{12.5, 7.0, 3.25}},
	}}
}

func TestTriplake_Tabular_Dataset(t *testing.T) {
	t.Parallel()

	t.Run("accessors", func(t *testing.T) {
		t.Parallel()
		ds := tripsDataset()
		require.Equal(t, 3, ds.NumRows())
		require.Equal(t, []string{"VendorID", "store_and_fwd_flag", "fare_amount"}, ds.ColumnNames())
		require.Equal(t, 1, ds.ColumnIndex("store_and_fwd_flag"))
		require.Equal(t, -1, ds.ColumnIndex("ehail_fee"))
		require.Nil(t, ds.Column("ehail_fee"))
		require.Equal(t, 1, ds.Column("VendorID").NullCount())
		require.Zero(t, (&Dataset{}).NumRows())
		require.NoError(t, ds.Validate())
	})

	t.Run("append column", func(t *testing.T) {
		t.Parallel()
		ds := tripsDataset()
		require.NoError(t, ds.AppendColumn(NullColumn("ehail_fee", arrow.PrimitiveTypes.Float64, 3)))
		require.Equal(t, "ehail_fee", ds.Columns[3].Name)
		require.NoError(t, ds.Validate())

		require.ErrorContains(t, ds.AppendColumn(NullColumn("ehail_fee", arrow.PrimitiveTypes.Float64, 3)), "already exists")
		require.ErrorContains(t, ds.AppendColumn(NullColumn("x", arrow.PrimitiveTypes.Float64, 2)), "has 2 rows")
	})

	t.Run("clone does not share values", func(t *testing.T) {
		t.Parallel()
		c := tripsDataset().Columns[0]
		cl := c.Clone()
		cl.Values[0] = int32(99)
		require.Equal(t, int32(1), c.Values[0])
	})

	t.Run("validate", func(t *testing.T) {
		t.Parallel()
		tests := []struct {
			name string
			ds   *Dataset
			want string
		}{
			{
				name: "duplicate column",
				ds: &Dataset{Columns: []*Column{
					{Name: "a", Type: arrow.PrimitiveTypes.Int64, Values: []any{int64(1)}},
					{Name: "a", Type: arrow.PrimitiveTypes.Int64, Values: []any{int64(1)}},
				}},
				want: `duplicate column "a"`,
			},
			{
				name: "length mismatch",
				ds: &Dataset{Columns: []*Column{
					{Name: "a", Type: arrow.PrimitiveTypes.Int64, Values: []any{int64(1)}},
					{Name: "b", Type: arrow.PrimitiveTypes.Int64, Values: []any{}},
				}},
				want: `column "b" has 0 rows, expected 1`,
			},
			{
				name: "null in non-nullable",
				ds: &Dataset{Columns: []*Column{
					{Name: "a", Type: arrow.PrimitiveTypes.Int64, Values: []any{nil}},
				}},
				want: "null in non-nullable column",
			},
			{
				name: "value type mismatch",
				ds: &Dataset{Columns: []*Column{
					{Name: "a", Type: arrow.PrimitiveTypes.Int64, Values: []any{int32(1)}},
				}},
				want: "does not match type int64",
			},
			{
				name: "unsupported type",
				ds: &Dataset{Columns: []*Column{
					{Name: "a", Type: arrow.BinaryTypes.Binary, Values: []any{}},
				}},
				want: "unsupported column type",
			},
			{
				name: "timestamp needs time",
				ds: &Dataset{Columns: []*Column{
					{Name: "a", Type: &arrow.TimestampType{Unit: arrow.Microsecond}, Values: []any{"2025-01-01"}},
				}},
				want: "does not match type",
			},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				t.Parallel()
				require.ErrorContains(t, tt.ds.Validate(), tt.want)
			})
		}
	})

	t.Run("collection ids sorted", func(t *testing.T) {
		t.Parallel()
		coll := Collection{"b": &Dataset{}, "a": &Dataset{}, "c": &Dataset{}}
		require.Equal(t, []string{"a", "b", "c"}, coll.IDs())
	})

	t.Run("type names", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, "bool", TypeName(arrow.FixedWidthTypes.Boolean))
		require.Equal(t, "utf8", TypeName(arrow.BinaryTypes.String))
		require.NotEqual(t,
			TypeName(&arrow.TimestampType{Unit: arrow.Microsecond}),
			TypeName(&arrow.TimestampType{Unit: arrow.Nanosecond}))
		require.True(t, Supported(arrow.FixedWidthTypes.Date32))
		require.False(t, Supported(arrow.BinaryTypes.Binary))
	})
}
