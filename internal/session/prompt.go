package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/starbud-ai/starbud/internal/config"
	"github.com/starbud-ai/starbud/internal/store"
	"github.com/starbud-ai/starbud/pkg/provider/llm"
	"github.com/starbud-ai/starbud/pkg/provider/memory"
	"github.com/starbud-ai/starbud/pkg/provider/tts"
)

// defaultPrompt is used when the agent persona carries no prompt of its own.
const defaultPrompt = "你是{{assistant_name}}，一个温柔、有耐心的伙伴，正在陪{{child_name}}聊天。" +
	"用简短、口语化的中文回答，一次不要说太多。今天是{{date}}，{{weekday}}。"

var weekdays = [...]string{"星期日", "星期一", "星期二", "星期三", "星期四", "星期五", "星期六"}

// promptContext carries everything the system prompt template can reference.
type promptContext struct {
	Agent    config.AgentConfig
	Memories []memory.Fact
	Voices   []tts.Voice
	Now      time.Time
}

// renderSystemPrompt fills the persona's prompt template. Unknown template
// variables are left untouched so a typo shows up in transcripts instead of
// vanishing silently.
func renderSystemPrompt(pc promptContext) string {
	tpl := pc.Agent.Profile.Character.Prompt
	if strings.TrimSpace(tpl) == "" {
		tpl = defaultPrompt
	}

	childName := pc.Agent.Profile.ChildInfo.Name
	if childName == "" {
		childName = "小朋友"
	}
	assistantName := pc.Agent.Profile.Character.Name
	if assistantName == "" {
		assistantName = "小星"
	}

	r := strings.NewReplacer(
		"{{date}}", pc.Now.Format("2006年01月02日"),
		"{{weekday}}", weekdays[pc.Now.Weekday()],
		"{{child_name}}", childName,
		"{{assistant_name}}", assistantName,
		"{{voices}}", voiceSection(pc.Voices),
		"{{memory}}", memorySection(pc.Memories),
	)
	prompt := r.Replace(tpl)

	// Personas written without the placeholders still get the memory and
	// voice sections, appended after the template text.
	if len(pc.Memories) > 0 && !strings.Contains(tpl, "{{memory}}") {
		prompt += "\n\n" + memorySection(pc.Memories)
	}
	if len(pc.Voices) > 0 && !strings.Contains(tpl, "{{voices}}") &&
		pc.Agent.FunctionSettings.ChatControlSwitchRole {
		prompt += "\n\n" + voiceSection(pc.Voices)
	}
	return prompt
}

// memorySection renders remembered facts as a bulleted block.
func memorySection(facts []memory.Fact) string {
	if len(facts) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("你记得关于对方的这些事：")
	for _, f := range facts {
		b.WriteString("\n- ")
		if f.Category != "" {
			b.WriteString(f.Category)
			b.WriteString("：")
		}
		b.WriteString(f.Content)
	}
	return b.String()
}

// voiceSection tells the model which voices it may switch to and how.
func voiceSection(voices []tts.Voice) string {
	if len(voices) == 0 {
		return ""
	}
	names := make([]string, 0, len(voices))
	for _, v := range voices {
		names = append(names, v.Name)
	}
	return fmt.Sprintf("可用的声音有：%s。当对方要求换声音时，在回复开头输出 <voice|声音名> 标签再继续说话。",
		strings.Join(names, "、"))
}

// timeContext is prepended to the greeting instruction so the opening line
// matches the moment of day.
func timeContext(now time.Time) string {
	switch h := now.Hour(); {
	case h < 5:
		return "现在是深夜"
	case h < 9:
		return "现在是早上"
	case h < 12:
		return "现在是上午"
	case h < 14:
		return "现在是中午"
	case h < 18:
		return "现在是下午"
	default:
		return "现在是晚上"
	}
}

// assembleMessages turns a history window plus the new utterance into the
// ordered message list sent to the model. The compressed-history entry that
// [store.Store.RecentWindow] prepends rides along as a regular assistant
// message.
func assembleMessages(window []store.Message, userText string) []llm.Message {
	msgs := make([]llm.Message, 0, len(window)+1)
	for _, m := range window {
		content := m.Content
		if m.Compressed {
			content = "（之前聊过的内容摘要）" + content
		}
		msgs = append(msgs, llm.Message{Role: m.Role, Content: content})
	}
	if userText != "" {
		msgs = append(msgs, llm.Message{Role: store.RoleUser, Content: userText})
	}
	return msgs
}
