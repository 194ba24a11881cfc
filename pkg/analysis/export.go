package analysis

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"
)

// Row is the stored form of a Result. ScoreValue is from sente's side.
type Row struct {
	RunID      string `parquet:"name=run_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	GameID     string `parquet:"name=game_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Ply        int32  `parquet:"name=ply, type=INT32"`
	NodeID     string `parquet:"name=node_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	SFENMoves  string `parquet:"name=sfen_moves, type=BYTE_ARRAY, convertedtype=UTF8"`
	BestMove   string `parquet:"name=best_move, type=BYTE_ARRAY, convertedtype=UTF8"`
	Ponder     string `parquet:"name=ponder, type=BYTE_ARRAY, convertedtype=UTF8"`
	ScoreType  string `parquet:"name=score_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	ScoreValue int32  `parquet:"name=score_value, type=INT32"`
	Depth      int32  `parquet:"name=depth, type=INT32"`
	Nodes      int64  `parquet:"name=nodes, type=INT64"`
	PV         string `parquet:"name=pv, type=BYTE_ARRAY, convertedtype=UTF8"`
	ElapsedMs  int64  `parquet:"name=elapsed_ms, type=INT64"`
}

// RowFromResult flattens res.
func RowFromResult(res Result) Row {
	return Row{
		RunID:      res.RunID,
		GameID:     res.Job.GameID,
		Ply:        int32(res.Job.Ply),
		NodeID:     res.Job.NodeID,
		SFENMoves:  strings.Join(res.Job.Moves, " "),
		BestMove:   res.BestMove,
		Ponder:     res.Ponder,
		ScoreType:  res.Score.Kind,
		ScoreValue: int32(res.Score.Value),
		Depth:      int32(res.Info.Depth),
		Nodes:      res.Info.Nodes,
		PV:         strings.Join(res.Info.PV, " "),
		ElapsedMs:  res.Elapsed.Milliseconds(),
	}
}

type parquetSchema struct {
	Name   string         `json:"name"`
	Fields []parquetField `json:"fields"`
}

type parquetField struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

//go:embed schema/result_schema.json
var resultSchema []byte

// WriteParquet drains rows into a snappy-compressed parquet file at path.
func WriteParquet(path string, rows <-chan Row, parallel int64) error {
	schema, err := loadSchema(resultSchema)
	if err != nil {
		return err
	}
	if err := validateSchema(schema, Row{}); err != nil {
		return err
	}

	fileWriter, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer fileWriter.Close()

	parquetWriter, err := writer.NewParquetWriter(fileWriter, new(Row), parallel)
	if err != nil {
		return err
	}
	parquetWriter.CompressionType = parquet.CompressionCodec_SNAPPY

	for row := range rows {
		if err := parquetWriter.Write(row); err != nil {
			return fmt.Errorf("write row %s/%d: %w", row.GameID, row.Ply, err)
		}
	}
	if err := parquetWriter.WriteStop(); err != nil {
		return err
	}
	return fileWriter.Close()
}

// ReadParquet loads every row of a file written by WriteParquet.
func ReadParquet(path string, parallel int64) ([]Row, error) {
	fileReader, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer fileReader.Close()

	parquetReader, err := reader.NewParquetReader(fileReader, new(Row), parallel)
	if err != nil {
		return nil, err
	}
	defer parquetReader.ReadStop()

	num := int(parquetReader.GetNumRows())
	rows := make([]Row, 0, num)
	const batchSize = 1024
	for offset := 0; offset < num; offset += batchSize {
		batch := make([]Row, min(batchSize, num-offset))
		if err := parquetReader.Read(&batch); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		rows = append(rows, batch...)
	}
	return rows, nil
}

func loadSchema(data []byte) (parquetSchema, error) {
	var schema parquetSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return parquetSchema{}, fmt.Errorf("parquet schema: %w", err)
	}
	return schema, nil
}

func validateSchema(schema parquetSchema, sample any) error {
	schemaFields := make(map[string]struct{}, len(schema.Fields))
	for _, field := range schema.Fields {
		schemaFields[field.Name] = struct{}{}
	}
	structFields := parquetFieldNames(sample)
	missing := diffKeys(schemaFields, structFields)
	extra := diffKeys(structFields, schemaFields)
	if len(missing) > 0 || len(extra) > 0 {
		return fmt.Errorf("parquet schema mismatch: missing=%v extra=%v", missing, extra)
	}
	return nil
}

func parquetFieldNames(sample any) map[string]struct{} {
	fields := map[string]struct{}{}
	t := reflect.TypeOf(sample)
	for i := 0; i < t.NumField(); i++ {
		if name := tagName(t.Field(i).Tag.Get("parquet")); name != "" {
			fields[name] = struct{}{}
		}
	}
	return fields
}

func tagName(tag string) string {
	for _, part := range strings.Split(tag, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && key == "name" {
			return value
		}
	}
	return ""
}

// diffKeys returns the keys of a missing from b, sorted.
func diffKeys(a, b map[string]struct{}) []string {
	var diff []string
	for key := range a {
		if _, ok := b[key]; !ok {
			diff = append(diff, key)
		}
	}
	sort.Strings(diff)
	return diff
}
