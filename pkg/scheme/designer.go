package scheme

import (
	"context"
	"encoding/json"
	"fmt"

	"osce/pkg/llm"
	"osce/pkg/llm/llmerrors"
	"osce/pkg/llm/parse"
	"osce/pkg/logx"
)

// Error texts shown to the user.
const (
	ErrStoreNotConfigured = "GRADING_SCHEME_STORE_NAME 未設定"
	ErrNoChecklist        = "未能取得有效的評分表資料"
)

// SystemInstruction frames the model as an OSCE checklist designer.
const SystemInstruction = `你是一位專業的醫學教育專家，擔任 "Grading Scheme Designer"。
你的任務是依據給定的病例，產生 OSCE 評分表，並盡量參考已知病例庫的結構。

要求：
- 必須產生 JSON 格式，頂層應包含: disease, chief_complaint, checklist_items[], scoring_summary, key_references。
- 每個 checklist_items 需包含: id, category, item, full_score, required, guidance。
- category 建議使用: Appropriate Introduction, Presenting Complaint, Other Relevant History, Communication Skills, Diagnosis, Management。
- full_score 為整數，required 為布林值，guidance 提供具體指引。
- 所有內容（包含疾病名稱、項目描述、指引等）請務必使用「繁體中文」撰寫。
- 請以審慎且可機讀的 JSON 回覆。
`

const userPromptPrefix = "以下為新的病例資訊，請參考 File Search 找到的類似案例格式後，輸出客製化的評分表（JSON）。\n\n"

// Scheme is a generated grading scheme. Error is set when nothing usable came back;
// Raw may still hold whatever the model produced.
type Scheme struct {
	Raw     map[string]any `json:"raw,omitempty"`
	Buckets []Bucket       `json:"buckets,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Designer generates checklists with the File Search tool over one store.
type Designer struct {
	client llm.Invoker
	logger *logx.Logger
	store  string
}

// NewDesigner creates a designer. An empty store is reported on Generate, not here.
func NewDesigner(client llm.Invoker, store string) *Designer {
	return &Designer{
		client: client,
		store:  store,
		logger: logx.NewLogger("scheme"),
	}
}

// Generate asks the model for a checklist for caseDetails and groups its items.
// Only configuration errors are returned as errors; endpoint and parse failures are
// reported through Scheme.Error.
func (d *Designer) Generate(ctx context.Context, caseDetails string) (Scheme, error) {
	if d.store == "" {
		return Scheme{Error: ErrStoreNotConfigured}, llmerrors.NewConfigurationError("GRADING_SCHEME_STORE_NAME")
	}

	out, err := d.client.Invoke(ctx, llm.Request{
		Prompt:            userPromptPrefix + caseDetails + "\n",
		SystemInstruction: SystemInstruction,
		Generation:        llm.JSONGeneration(),
		FileSearchStores:  []string{d.store},
	}, llm.ModeDegrade)
	if err != nil {
		return Scheme{Error: err.Error()}, err
	}
	if !out.OK() {
		d.logger.Error("File Search request failed after %d attempts: %v", out.Attempts, out.Err)
		return Scheme{Error: fmt.Sprintf("File Search API 失敗 %d - %s", out.FailureStatus(), out.Body)}, nil
	}

	text, err := parse.ExtractText(out.Response)
	if err != nil {
		d.logger.Warn("no text in File Search response: %v", err)
		return Scheme{Error: "無法取得模型回應"}, nil
	}

	structured := parse.ParseStructured(text)
	logx.Debug(ctx, "scheme", "recovered scheme via %s stage", structured.Stage)

	scheme := Scheme{Raw: structured.Object()}
	items, ok := checklistItems(structured, d.logger)
	if !ok {
		scheme.Error = ErrNoChecklist
		return scheme, nil
	}
	scheme.Buckets = Group(items, CategoryOrder)
	d.logger.Info("designed scheme with %d items in %d categories", len(items), len(scheme.Buckets))
	return scheme, nil
}

// checklistItems decodes checklist_items one item at a time so that a single malformed
// entry does not discard the rest. ok is false when there is no array at all.
func checklistItems(s parse.Structured, logger *logx.Logger) ([]ChecklistItem, bool) {
	var envelope struct {
		ChecklistItems []json.RawMessage `json:"checklist_items"`
	}
	if err := s.Decode(&envelope); err != nil || envelope.ChecklistItems == nil {
		return nil, false
	}

	items := make([]ChecklistItem, 0, len(envelope.ChecklistItems))
	for i, raw := range envelope.ChecklistItems {
		var item ChecklistItem
		if err := json.Unmarshal(raw, &item); err != nil {
			logger.Warn("skipping checklist item %d: %v", i+1, err)
			continue
		}
		items = append(items, item)
	}
	return items, true
}
