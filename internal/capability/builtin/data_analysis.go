package builtin

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/Lewis121025/MAX-AI/internal/capability"
)

const maxAnalysisRows = 100000

var numberPattern = regexp.MustCompile(`-?\d+(?:\.\d+)?(?:[eE][-+]?\d+)?`)

var analysisSchema = capability.Schema{Params: []capability.Param{
	{Name: "file_path", Type: capability.TypeString, Description: "工作目录内的 CSV/TSV/JSON 文件"},
	{Name: "data", Type: capability.TypeAny, Description: "数字数组或包含数字的文本"},
}}

// Stats 是一组数字的描述统计。
type Stats struct {
	Count  int     `json:"count"`
	Sum    float64 `json:"sum"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	StdDev float64 `json:"stddev"`
}

// Describe 计算描述统计，values 为空时返回零值。
// 结果超出 float64 范围时返回 INVALID_ARGUMENT。
func Describe(values []float64) (Stats, error) {
	if len(values) == 0 {
		return Stats{}, nil
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	s := Stats{Count: len(sorted), Min: sorted[0], Max: sorted[len(sorted)-1]}
	for _, v := range sorted {
		s.Sum += v
	}
	if math.IsInf(s.Sum, 0) || math.IsNaN(s.Sum) {
		return Stats{}, capability.InvalidArgument("数据总和超出可表示范围")
	}
	s.Mean = s.Sum / float64(s.Count)
	mid := s.Count / 2
	if s.Count%2 == 0 {
		s.Median = sorted[mid-1]/2 + sorted[mid]/2
	} else {
		s.Median = sorted[mid]
	}
	var sq float64
	for _, v := range sorted {
		sq += (v - s.Mean) * (v - s.Mean)
	}
	// 样本标准差
	if s.Count > 1 {
		s.StdDev = math.Sqrt(sq / float64(s.Count-1))
	}
	if math.IsInf(s.StdDev, 0) {
		return Stats{}, capability.InvalidArgument("数据离散程度超出可表示范围")
	}
	s.Sum, s.Mean, s.Median, s.StdDev = round(s.Sum), round(s.Mean), round(s.Median), round(s.StdDev)
	return s, nil
}

// round 保留六位小数，量级过大时原样返回以免 v*1e6 溢出。
func round(v float64) float64 {
	if math.Abs(v) > 1e300 {
		return v
	}
	return math.Round(v*1e6) / 1e6
}

// DataAnalysis 对文件或内联数据做描述统计。
type DataAnalysis struct {
	ws *Workspace
}

// NewDataAnalysis 创建数据分析能力。
func NewDataAnalysis(ws *Workspace) *DataAnalysis {
	return &DataAnalysis{ws: ws}
}

// Invoke 实现 capability.Invoker。
func (d *DataAnalysis) Invoke(ctx context.Context, args map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name := strings.TrimSpace(capability.String(args, "file_path")); name != "" {
		return d.analyzeFile(name)
	}
	data, ok := args["data"]
	if !ok || data == nil {
		return nil, capability.InvalidArgument("需要 file_path 或 data 参数")
	}
	values, err := collectNumbers(data)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, capability.InvalidArgument("数据中没有可分析的数字")
	}
	return Describe(values)
}

// TableSummary 是表格文件的分析结果。
type TableSummary struct {
	File    string           `json:"file"`
	Rows    int              `json:"rows"`
	Columns []string         `json:"columns"`
	Numeric map[string]Stats `json:"numeric"`
}

func (d *DataAnalysis) analyzeFile(name string) (any, error) {
	rel, err := d.ws.Resolve(name)
	if err != nil {
		return nil, err
	}
	raw, err := afero.ReadFile(d.ws.fs, rel)
	if err != nil {
		return nil, fsError(err, rel)
	}
	switch strings.ToLower(path.Ext(rel)) {
	case ".csv":
		return analyzeTable(rel, raw, ',')
	case ".tsv":
		return analyzeTable(rel, raw, '\t')
	case ".json":
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, capability.InvalidArgument(fmt.Sprintf("解析 %s 失败: %v", rel, err))
		}
		if rows, ok := decoded.([]any); ok && len(rows) > 0 {
			if _, isObj := rows[0].(map[string]any); isObj {
				return analyzeRecords(rel, rows)
			}
		}
		values, err := collectNumbers(decoded)
		if err != nil {
			return nil, err
		}
		return Describe(values)
	default:
		values, _ := collectNumbers(string(raw))
		if len(values) == 0 {
			return nil, capability.InvalidArgument(fmt.Sprintf("%s 中没有可分析的数字", rel))
		}
		return Describe(values)
	}
}

func analyzeTable(name string, raw []byte, sep rune) (*TableSummary, error) {
	r := csv.NewReader(bytes.NewReader(raw))
	r.Comma = sep
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		if err == io.EOF {
			return nil, capability.InvalidArgument(fmt.Sprintf("%s 是空文件", name))
		}
		return nil, capability.InvalidArgument(fmt.Sprintf("解析 %s 失败: %v", name, err))
	}
	columns := make([]string, len(header))
	for i, h := range header {
		columns[i] = strings.TrimSpace(h)
	}
	values := make([][]float64, len(columns))
	numeric := make([]bool, len(columns))
	for i := range numeric {
		numeric[i] = true
	}

	rows := 0
	for rows < maxAnalysisRows {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, capability.InvalidArgument(fmt.Sprintf("解析 %s 第 %d 行失败: %v", name, rows+2, err))
		}
		rows++
		for i := range columns {
			if i >= len(record) || !numeric[i] {
				continue
			}
			cell := strings.TrimSpace(record[i])
			if cell == "" {
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				numeric[i] = false
				values[i] = nil
				continue
			}
			values[i] = append(values[i], v)
		}
	}

	summary := &TableSummary{File: name, Rows: rows, Columns: columns, Numeric: map[string]Stats{}}
	for i, col := range columns {
		if numeric[i] && len(values[i]) > 0 {
			stats, err := Describe(values[i])
			if err != nil {
				return nil, fmt.Errorf("列 %s: %w", col, err)
			}
			summary.Numeric[col] = stats
		}
	}
	return summary, nil
}

func analyzeRecords(name string, rows []any) (*TableSummary, error) {
	seen := map[string]bool{}
	var columns []string
	values := map[string][]float64{}
	rejected := map[string]bool{}
	for _, row := range rows {
		obj, ok := row.(map[string]any)
		if !ok {
			continue
		}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				columns = append(columns, k)
			}
			if rejected[k] || obj[k] == nil {
				continue
			}
			if v, ok := obj[k].(float64); ok {
				values[k] = append(values[k], v)
			} else {
				rejected[k] = true
			}
		}
	}
	summary := &TableSummary{File: name, Rows: len(rows), Columns: columns, Numeric: map[string]Stats{}}
	for _, col := range columns {
		if !rejected[col] && len(values[col]) > 0 {
			stats, err := Describe(values[col])
			if err != nil {
				return nil, fmt.Errorf("字段 %s: %w", col, err)
			}
			summary.Numeric[col] = stats
		}
	}
	return summary, nil
}

// collectNumbers 从数组、数字或文本中提取数字。
func collectNumbers(data any) ([]float64, error) {
	switch v := data.(type) {
	case string:
		var out []float64
		for _, s := range numberPattern.FindAllString(v, -1) {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				out = append(out, f)
			}
		}
		return out, nil
	case []float64:
		return v, nil
	case []any:
		out := make([]float64, 0, len(v))
		for i, item := range v {
			f, ok := capability.ToFloat(item)
			if !ok {
				if s, isStr := item.(string); isStr {
					if parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
						out = append(out, parsed)
						continue
					}
				}
				return nil, capability.InvalidArgument(fmt.Sprintf("第 %d 个元素不是数字: %v", i+1, item))
			}
			out = append(out, f)
		}
		return out, nil
	default:
		if f, ok := capability.ToFloat(v); ok {
			return []float64{f}, nil
		}
		return collectNumbers(fmt.Sprint(v))
	}
}
