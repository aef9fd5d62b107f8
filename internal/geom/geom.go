package geom

import "math"

type Vec3 struct {
	X, Y, Z float32
}

func (v Vec3) Add(o Vec3) Vec3      { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3) Sub(o Vec3) Vec3      { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vec3) Scale(f float32) Vec3 { return Vec3{v.X * f, v.Y * f, v.Z * f} }

// Lerp moves from v towards o by f, where 0 is v and 1 is o.
func (v Vec3) Lerp(o Vec3, f float32) Vec3 { return v.Add(o.Sub(v).Scale(f)) }

func (v Vec3) Len() float32 {
	return float32(math.Sqrt(float64(v.X*v.X + v.Y*v.Y + v.Z*v.Z)))
}

func (v Vec3) Dist(o Vec3) float32 { return v.Sub(o).Len() }

// Quat is a unit rotation quaternion.
type Quat struct {
	X, Y, Z, W float32
}

func Identity() Quat { return Quat{W: 1} }

// AxisAngle builds a rotation of rad radians around a unit axis.
func AxisAngle(axis Vec3, rad float64) Quat {
	s := float32(math.Sin(rad / 2))
	return Quat{X: axis.X * s, Y: axis.Y * s, Z: axis.Z * s, W: float32(math.Cos(rad / 2))}
}

func (q Quat) Mul(r Quat) Quat {
	return Quat{
		X: q.W*r.X + q.X*r.W + q.Y*r.Z - q.Z*r.Y,
		Y: q.W*r.Y - q.X*r.Z + q.Y*r.W + q.Z*r.X,
		Z: q.W*r.Z + q.X*r.Y - q.Y*r.X + q.Z*r.W,
		W: q.W*r.W - q.X*r.X - q.Y*r.Y - q.Z*r.Z,
	}
}

// Rotate applies q to v (q * v * q^-1).
func (q Quat) Rotate(v Vec3) Vec3 {
	u := Vec3{q.X, q.Y, q.Z}
	// t = 2 * cross(u, v)
	t := Vec3{
		2 * (u.Y*v.Z - u.Z*v.Y),
		2 * (u.Z*v.X - u.X*v.Z),
		2 * (u.X*v.Y - u.Y*v.X),
	}
	return Vec3{
		v.X + q.W*t.X + (u.Y*t.Z - u.Z*t.Y),
		v.Y + q.W*t.Y + (u.Z*t.X - u.X*t.Z),
		v.Z + q.W*t.Z + (u.X*t.Y - u.Y*t.X),
	}
}

type Transform struct {
	Origin   Vec3
	Rotation Quat
}

func At(origin Vec3) Transform { return Transform{Origin: origin, Rotation: Identity()} }

// Compose places local in the frame of t.
func (t Transform) Compose(local Transform) Transform {
	return Transform{
		Origin:   t.Origin.Add(t.Rotation.Rotate(local.Origin)),
		Rotation: t.Rotation.Mul(local.Rotation),
	}
}
