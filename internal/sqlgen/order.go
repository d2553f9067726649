package sqlgen

import (
	"math"

	"github.com/pthm/tabula/internal/sqlgen/sqldsl"
)

// Random is the ORDER BY expression for a shuffled result.
const Random = sqldsl.Raw("RANDOM()")

// Distance renders the squared equirectangular distance between the point in
// (latCol, longCol) and (lat, long). It orders rows by proximity without
// trigonometry in SQL: the longitude term is scaled by cos²(lat).
func Distance(latCol, longCol sqldsl.Expr, lat, long float64) sqldsl.Expr {
	cos2 := math.Pow(math.Cos(lat*math.Pi/180), 2)
	dLat := sqldsl.Paren{Expr: sqldsl.Sub{Left: latCol, Right: sqldsl.Float(lat)}}
	dLong := sqldsl.Paren{Expr: sqldsl.Sub{Left: longCol, Right: sqldsl.Float(long)}}
	return sqldsl.Add{
		Left:  sqldsl.Paren{Expr: sqldsl.Mul{Left: dLat, Right: dLat}},
		Right: sqldsl.Paren{Expr: sqldsl.Mul{Left: sqldsl.Mul{Left: dLong, Right: dLong}, Right: sqldsl.Float(cos2)}},
	}
}

// Order builds one ORDER BY term, lower-casing the column when nocase is set.
func Order(col sqldsl.Expr, desc, nocase bool) sqldsl.OrderTerm {
	if nocase {
		col = sqldsl.Func{Name: "lower", Args: []sqldsl.Expr{col}}
	}
	return sqldsl.OrderTerm{Expr: col, Desc: desc}
}
