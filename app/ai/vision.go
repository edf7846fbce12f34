// https://platform.openai.com/docs/api-reference/chat/create
package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"dishvision/m/v2/app/models"

	log "github.com/sirupsen/logrus"
)

const maxAnalysisTokens = 1500

const systemPromptNutrition = `You are a nutritionist looking at a photo of a meal.
Identify every dish on the photo and estimate the portion weight of each.
Answer in this format:
🍽 Dish: name, estimated weight in grams
🔥 Calories: total kcal
🥩 Protein / 🧈 Fat / 🍞 Carbohydrates: grams each
Finish with a short practical remark.
If the answer would be noticeably more accurate with more details, add up to two
clarifying questions at the very end, each on its own line starting with "⁉️".`

const systemPromptRecipe = `You are a cook looking at a photo of a meal.
For every dish on the photo write a recipe: ingredients with amounts for one serving,
then numbered cooking steps and the total cooking time.
If the recipe would be noticeably more accurate with more details, add up to two
clarifying questions at the very end, each on its own line starting with "⁉️".`

func systemPrompt(analysisType models.AnalysisType) string {
	if analysisType == models.RecipeAnalysis {
		return systemPromptRecipe
	}
	return systemPromptNutrition
}

func userInstruction(analysisType models.AnalysisType, comment string) string {
	text := "Analyze the dishes on the photo: estimate total calories, protein, fat and carbohydrates, strictly in the format of the system prompt."
	if analysisType == models.RecipeAnalysis {
		text = "Write detailed recipes for the dishes on the photo following the system prompt."
	}
	if comment = strings.TrimSpace(comment); comment != "" {
		text += "\n\nDescription from the user:\n" + comment
	}
	return text
}

// Analyze sends the photo with the accumulated user comment to the vision model.
func (a *API) Analyze(ctx context.Context, image []byte, comment string, analysisType models.AnalysisType) (string, error) {
	if analysisType == models.NoAnalysis {
		return "", errors.New("Analyze: analysis type is not set")
	}
	content := []models.MultimodalContent{{Type: "text", Text: userInstruction(analysisType, comment)}}
	if len(image) > 0 {
		content = append(content, models.MultimodalContent{
			Type: "image_url",
			ImageURL: &models.ImageURL{
				URL: "data:" + http.DetectContentType(image) + ";base64," + base64.StdEncoding.EncodeToString(image),
			},
		})
	}
	completion := models.ChatMultimodalCompletion{
		Model: string(a.model),
		Messages: []models.MultimodalMessage{
			{Role: "system", Content: []models.MultimodalContent{{Type: "text", Text: systemPrompt(analysisType)}}},
			{Role: "user", Content: content},
		},
		MaxTokens: maxAnalysisTokens,
	}
	if user, ok := ctx.Value(models.UserContext{}).(string); ok {
		completion.User = user
	}
	text, err := a.complete(ctx, completion)
	if err != nil {
		return "", fmt.Errorf("Analyze: %w", err)
	}
	return text, nil
}

func (a *API) complete(ctx context.Context, completion models.ChatMultimodalCompletion) (string, error) {
	timeNow := time.Now()
	body, err := json.Marshal(completion)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewBuffer(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.authToken)

	status := fmt.Sprintf("status:%d", 0)
	defer func() {
		_ = a.metrics.Timing("openai.chat_complete.latency", time.Since(timeNow), []string{status, "model:" + completion.Model}, 1)
	}()
	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	status = fmt.Sprintf("status:%d", resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		var errorResponse models.ErrorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&errorResponse); decodeErr == nil && errorResponse.Error.Message != "" {
			return "", fmt.Errorf("chat complete: %s: %s", resp.Status, errorResponse.Error.Message)
		}
		return "", errors.New("chat complete: " + resp.Status)
	}

	var response models.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		if err == io.EOF {
			return "", errors.New("chat complete: empty response")
		}
		return "", err
	}
	if len(response.Choices) == 0 {
		return "", errors.New("chat complete: no choices")
	}
	_ = a.metrics.Distribution("openai.chat_complete.tokens", float64(response.Usage.TotalTokens), []string{"model:" + completion.Model}, 1)
	log.Debugf("chat complete: %d tokens used by %s", response.Usage.TotalTokens, completion.Model)
	return strings.TrimSpace(response.Choices[0].Message.Content), nil
}
