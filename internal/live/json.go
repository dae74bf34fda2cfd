package live

import (
	"strconv"

	"github.com/coffersTech/crashcat/internal/frame"
	"github.com/valyala/fastjson"
)

var arenas fastjson.ArenaPool

// AppendJSON appends the viewer representation of rec to dst:
// {"level":"E","time":<unix ms>,"tag":...,"pid":...,"tid":...,"msg":...}.
func AppendJSON(dst []byte, rec frame.Record) []byte {
	a := arenas.Get()
	defer arenas.Put(a)

	o := a.NewObject()
	o.Set("level", a.NewString(string(rec.Level.Char())))
	o.Set("time", a.NewNumberString(strconv.FormatInt(rec.UnixMilli(), 10)))
	o.Set("tag", a.NewString(rec.Tag))
	o.Set("pid", a.NewNumberInt(int(rec.Pid)))
	o.Set("tid", a.NewNumberInt(int(rec.Tid)))
	o.Set("msg", a.NewString(rec.Message))
	dst = o.MarshalTo(dst)
	a.Reset()
	return dst
}
