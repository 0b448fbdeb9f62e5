package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	openaigo "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/scribeworks/scribe/internal/schema"
)

// OpenAIOptions configures the OpenAI-compatible providers. Any endpoint
// speaking the chat/audio API works (hosted or a local vLLM gateway).
type OpenAIOptions struct {
	BaseURL        string
	APIKey         string
	ChatModel      string
	AudioModel     string
	RequestTimeout time.Duration
}

func (o OpenAIOptions) withDefaults() OpenAIOptions {
	o.BaseURL = strings.TrimRight(strings.TrimSpace(o.BaseURL), "/")
	if o.BaseURL == "" {
		o.BaseURL = "https://api.openai.com/v1"
	}
	if strings.TrimSpace(o.ChatModel) == "" {
		o.ChatModel = "gpt-4o-mini"
	}
	if strings.TrimSpace(o.AudioModel) == "" {
		o.AudioModel = "whisper-1"
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 75 * time.Second
	}
	return o
}

// OpenAIClient hosts the three model-backed capabilities: transcription,
// role tagging and delta note generation.
type OpenAIClient struct {
	client openaigo.Client
	opts   OpenAIOptions
	log    zerolog.Logger
}

// NewOpenAIClient builds the shared client. The API key is required.
func NewOpenAIClient(opts OpenAIOptions, log zerolog.Logger) (*OpenAIClient, error) {
	opts = opts.withDefaults()
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("provider: api key is required")
	}

	client := openaigo.NewClient(
		option.WithBaseURL(opts.BaseURL),
		option.WithAPIKey(strings.TrimSpace(opts.APIKey)),
		option.WithHTTPClient(&http.Client{Timeout: opts.RequestTimeout}),
		option.WithRequestTimeout(opts.RequestTimeout),
		option.WithMaxRetries(0), // the worker owns retry policy
	)
	return &OpenAIClient{client: client, opts: opts, log: log.With().Str("component", "provider").Logger()}, nil
}

// classify maps transport/API failures onto the pipeline error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openaigo.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode >= http.StatusInternalServerError:
			return schema.Transient(err)
		case apiErr.StatusCode == http.StatusInsufficientStorage:
			return schema.ResourceExhausted(err)
		}
		msg := strings.ToLower(apiErr.Error())
		if strings.Contains(msg, "out of memory") || strings.Contains(msg, "kv cache") {
			return schema.ResourceExhausted(err)
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.Transient(err)
	}
	// Connection-level failures (reset, refused) are worth retrying.
	return schema.Transient(err)
}

// Transcribe sends the referenced audio file to the transcription endpoint.
// One segment per chunk; speakers stay unknown until role tagging.
func (c *OpenAIClient) Transcribe(ctx context.Context, audioRef string, chunkSeq int64) ([]schema.TranscriptSegment, error) {
	f, err := os.Open(audioRef)
	if err != nil {
		return nil, fmt.Errorf("open audio %s: %w", audioRef, err)
	}
	defer f.Close()

	resp, err := c.client.Audio.Transcriptions.New(ctx, openaigo.AudioTranscriptionNewParams{
		Model: openaigo.AudioModel(c.opts.AudioModel),
		File:  f,
	})
	if err != nil {
		return nil, classify(err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return nil, nil
	}
	return []schema.TranscriptSegment{{
		Speaker:    "unknown",
		Text:       text,
		ChunkSeq:   chunkSeq,
		Confidence: 1.0,
	}}, nil
}

const roleTaggerSystem = `You label turns of a doctor-patient conversation.
Input is a JSON array of {"id": n, "text": "..."}. Reply with ONLY a JSON
object mapping each id to "doctor" or "patient", e.g. {"0":"doctor","1":"patient"}.`

// TagRoles asks the chat model for an id -> role map and applies it.
// Segments the model misses keep the "unknown" speaker.
func (c *OpenAIClient) TagRoles(ctx context.Context, segs []schema.TranscriptSegment) ([]schema.TranscriptSegment, error) {
	if len(segs) == 0 {
		return segs, nil
	}

	type turn struct {
		ID   int    `json:"id"`
		Text string `json:"text"`
	}
	turns := make([]turn, len(segs))
	for i, seg := range segs {
		turns[i] = turn{ID: i, Text: seg.Text}
	}
	input, err := json.Marshal(turns)
	if err != nil {
		return nil, err
	}

	content, err := c.chat(ctx, roleTaggerSystem, string(input), 0.0)
	if err != nil {
		return nil, err
	}

	roleMap := gjson.Parse(stripCodeFence(content))
	out := make([]schema.TranscriptSegment, len(segs))
	copy(out, segs)
	for i := range out {
		role := strings.ToLower(strings.TrimSpace(roleMap.Get(strconv.Itoa(i)).String()))
		switch role {
		case "doctor", "patient":
			out[i].Speaker = role
		default:
			c.log.Debug().Int("segment", i).Str("role", role).Msg("role tagger returned no usable role")
		}
	}
	return out, nil
}

const noteGeneratorSystem = `You are a clinical scribe. Given the existing
SOAP note and NEW transcript lines, produce ONLY the incremental update as a
JSON object with any of the keys "subjective", "objective", "assessment",
"plan". Include a key only when its section gains or changes content; the
value is the full replacement text for that section. Output JSON only.`

// GenerateDelta requests the incremental note update for the newest
// transcript lines. Only this call touches the accelerator-heavy model.
func (c *OpenAIClient) GenerateDelta(ctx context.Context, prior schema.SoapNote, segs []schema.TranscriptSegment) (schema.SoapNote, error) {
	if len(segs) == 0 {
		return schema.SoapNote{}, nil
	}
	chunkSeq := segs[len(segs)-1].ChunkSeq

	priorJSON := "null"
	if !prior.IsEmpty() {
		raw, err := json.Marshal(prior)
		if err != nil {
			return schema.SoapNote{}, err
		}
		priorJSON = string(raw)
	}

	var lines strings.Builder
	for _, seg := range segs {
		lines.WriteString(strings.ToUpper(seg.Speaker))
		lines.WriteString(": ")
		lines.WriteString(seg.Text)
		lines.WriteString("\n")
	}

	user := "EXISTING NOTE:\n" + priorJSON + "\n\nNEW TRANSCRIPT LINES:\n" + lines.String()
	content, err := c.chat(ctx, noteGeneratorSystem, user, 0.3)
	if err != nil {
		return schema.SoapNote{}, err
	}

	delta, err := ParseDelta(content, chunkSeq)
	if err != nil {
		return schema.SoapNote{}, fmt.Errorf("parse delta: %w", err)
	}
	return delta, nil
}

const documentSystem = `You draft formal clinical documents from consultation
records. Output plain text only, never JSON or markdown.`

// documentInstructions is the per-type task suffix appended after the
// dialogue and note context.
var documentInstructions = map[schema.DocumentType]string{
	schema.DocumentReferral: `TASK: Write a formal referral letter based on the dialogue and SOAP note above.
Constraints:
1. Do NOT include conversational fillers like "Here is the letter".
2. Start directly with "Date:" or "To Dr. [Name]".
3. Include patient demographics if available, otherwise use placeholders.`,
	schema.DocumentCertificate: `TASK: Write a formal medical certificate based on the SOAP note above.
Constraints:
1. Do NOT include conversational fillers like "Here is the certificate".
2. Start directly with the title "MEDICAL CERTIFICATE".
3. Structure: patient name and demographics (placeholders if missing), date
   of exam, diagnosis, duration of unfitness for work or school, and a
   doctor's name/signature placeholder.
4. Keep the tone strictly formal and medico-legal.`,
}

// DraftDocument asks the chat model for a plain-text side document, giving it
// the full dialogue and the committed note as reference context.
func (c *OpenAIClient) DraftDocument(ctx context.Context, docType schema.DocumentType, note schema.SoapNote, transcript []schema.TranscriptSegment) (string, error) {
	instructions, ok := documentInstructions[docType]
	if !ok {
		return "", fmt.Errorf("unknown document type %q", docType)
	}

	noteJSON, err := json.Marshal(note)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("--- DIALOGUE ---\n")
	for _, seg := range transcript {
		b.WriteString(strings.ToUpper(seg.Speaker))
		b.WriteString(": ")
		b.WriteString(seg.Text)
		b.WriteString("\n")
	}
	b.WriteString("\n--- REFERENCE: FINAL SOAP NOTE ---\n")
	b.Write(noteJSON)
	b.WriteString("\n\n")
	b.WriteString(instructions)

	return c.chat(ctx, documentSystem, b.String(), 0.3)
}

func (c *OpenAIClient) chat(ctx context.Context, system, user string, temperature float64) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openaigo.ChatCompletionNewParams{
		Model: openaigo.ChatModel(c.opts.ChatModel),
		Messages: []openaigo.ChatCompletionMessageParamUnion{
			openaigo.SystemMessage(system),
			openaigo.UserMessage(user),
		},
		Temperature: openaigo.Float(temperature),
	})
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", schema.Transient(fmt.Errorf("model returned no choices"))
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", schema.Transient(fmt.Errorf("model returned empty content"))
	}
	return content, nil
}

// ParseDelta extracts a section delta from raw model output. Markdown code
// fences are tolerated; unknown keys are ignored; a reply with no usable
// section is an error so the stage retry policy can kick in.
func ParseDelta(raw string, chunkSeq int64) (schema.SoapNote, error) {
	clean := stripCodeFence(raw)
	parsed := gjson.Parse(clean)
	if !parsed.IsObject() {
		return schema.SoapNote{}, fmt.Errorf("model output is not a JSON object")
	}

	var delta schema.SoapNote
	found := false
	for _, name := range schema.SectionNames {
		val := parsed.Get(name)
		if !val.Exists() {
			continue
		}
		text := strings.TrimSpace(val.String())
		if text == "" {
			continue
		}
		sec := delta.Section(name)
		sec.Text = text
		sec.SourceChunk = chunkSeq
		found = true
	}
	if !found {
		return schema.SoapNote{}, fmt.Errorf("no recognizable sections in model output")
	}
	return delta, nil
}

// stripCodeFence unwraps ```json ... ``` style fences the model may add.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
