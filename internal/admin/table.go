package admin

import "github.com/jackc/pgproto3/v2"

// sendTextTable renders a result set the way psql expects from a Simple
// Query: one RowDescription (all columns typed as text/OID 25) followed
// by a DataRow per row and a CommandComplete.
func sendTextTable(out sender, columns []string, rows [][]string) {
	fields := make([]pgproto3.FieldDescription, len(columns))
	for i, name := range columns {
		fields[i] = pgproto3.FieldDescription{
			Name:         []byte(name),
			DataTypeOID:  25, // text
			DataTypeSize: -1,
			TypeModifier: -1,
			Format:       0,
		}
	}
	out.Send(&pgproto3.RowDescription{Fields: fields})

	for _, row := range rows {
		values := make([][]byte, len(row))
		for i, v := range row {
			values[i] = []byte(v)
		}
		out.Send(&pgproto3.DataRow{Values: values})
	}

	out.Send(&pgproto3.CommandComplete{CommandTag: []byte("SHOW")})
}
