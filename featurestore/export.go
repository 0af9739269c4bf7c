package featurestore

import (
	"context"
	"database/sql"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Change operations carried by a data change message.
const (
	ChangeInsert = "insert"
	ChangeUpdate = "update"
	ChangeDelete = "delete"
)

// DataChangeMessage is the XML document written by ExportChanges.
type DataChangeMessage struct {
	XMLName   xml.Name        `xml:"DataChangeMessage"`
	Replica   string          `xml:"replica,attr"`
	Version   string          `xml:"version,attr"`
	FromGen   int64           `xml:"fromGeneration,attr"`
	ToGen     int64           `xml:"toGeneration,attr"`
	Generated string          `xml:"generated,attr"`
	Changes   []ChangeElement `xml:"Change"`
}

// ChangeElement is one exported feature change.
type ChangeElement struct {
	Op         string             `xml:"op,attr"`
	Class      string             `xml:"class,attr"`
	FID        int64              `xml:"fid,attr"`
	Generation int64              `xml:"generation,attr"`
	Attributes []AttributeElement `xml:"Attribute"`
	Shape      *ShapeElement      `xml:"Shape,omitempty"`
}

// AttributeElement is one attribute value of a change.
type AttributeElement struct {
	Name  string `xml:"name,attr"`
	Null  bool   `xml:"null,attr,omitempty"`
	Value string `xml:",chardata"`
}

// ShapeElement is the point of a spatial change.
type ShapeElement struct {
	X float64 `xml:"x,attr"`
	Y float64 `xml:"y,attr"`
}

// ExportChanges writes the default-version changes replica has not yet
// synchronized to w and returns their count. The replica's synchronization
// state is not advanced.
func (s *Store) ExportChanges(ctx context.Context, replica string, w io.Writer) (_ int, err error) {
	defer mon.Task()(&ctx)(&err)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	msg := DataChangeMessage{Replica: replica, Generated: time.Now().UTC().Format(time.RFC3339)}
	if msg.Version, err = rootVersion(ctx, tx); err != nil {
		return 0, err
	}
	if msg.FromGen, err = syncedGen(ctx, tx, replica); err != nil {
		return 0, err
	}
	if msg.ToGen, err = currentGen(ctx, tx); err != nil {
		return 0, err
	}

	rows, err := tx.QueryContext(ctx, `SELECT class, fid, attributes, deleted, gen, created_gen, st_x(shape), st_y(shape)
FROM fs_features WHERE version = ? AND gen > ? AND gen <= ? ORDER BY gen`, msg.Version, msg.FromGen, msg.ToGen)
	if err != nil {
		return 0, Error.New("export query: %v", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			change  ChangeElement
			attrs   string
			deleted bool
			created int64
			x, y    sql.NullFloat64
		)
		if err := rows.Scan(&change.Class, &change.FID, &attrs, &deleted, &change.Generation, &created, &x, &y); err != nil {
			return 0, Error.Wrap(err)
		}
		switch {
		case deleted:
			change.Op = ChangeDelete
		case created > msg.FromGen:
			change.Op = ChangeInsert
		default:
			change.Op = ChangeUpdate
		}
		values, err := decodeAttributes(attrs)
		if err != nil {
			return 0, err
		}
		change.Attributes = attributeElements(values)
		if x.Valid && y.Valid {
			change.Shape = &ShapeElement{X: x.Float64, Y: y.Float64}
		}
		msg.Changes = append(msg.Changes, change)
	}
	if err := rows.Err(); err != nil {
		return 0, Error.Wrap(err)
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return 0, Error.Wrap(err)
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(msg); err != nil {
		return 0, Error.New("encode change message: %v", err)
	}
	if err := enc.Flush(); err != nil {
		return 0, Error.Wrap(err)
	}
	s.log.Debug("exported changes", zap.String("replica", replica), zap.Int("changes", len(msg.Changes)),
		zap.Int64("from", msg.FromGen), zap.Int64("to", msg.ToGen))
	return len(msg.Changes), nil
}

func attributeElements(values map[string]interface{}) []AttributeElement {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]AttributeElement, 0, len(names))
	for _, name := range names {
		v := values[name]
		if v == nil {
			out = append(out, AttributeElement{Name: name, Null: true})
			continue
		}
		out = append(out, AttributeElement{Name: name, Value: fmt.Sprint(v)})
	}
	return out
}
