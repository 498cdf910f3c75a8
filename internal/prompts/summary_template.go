package prompts

const summaryUserTemplate = "Summarize the following player input and DM response, then return JSON matching the schema below.\n\n" +
	"### Instructions\n" +
	"1) List the characters explicitly named in the scene (no placeholders).\n" +
	"2) Create a short, TV-episode style title.\n" +
	"3) Write a 1 to 2 sentence event summary focused on actions and outcomes.\n" +
	"4) For **each involved character**, generate a **holistic character summary**:\n" +
	"   - Treat the provided character summaries in the system prompt as the baseline.\n" +
	"   - Fully replace the old summary with a new markdown dossier that merges all previously known details with the new changes.\n" +
	"   - The result should reflect both the historical background and the updated, current point-in-time state of the character.\n" +
	"   - Do not lose prior important details; carry them forward unless contradicted.\n" +
	"   - If something has changed (traits, goals, relationships, inventory, conditions, reputation, etc.), update it accordingly.\n" +
	"5) Determine the current act and chapter based on the storyline structure and story progress:\n" +
	"   - The value for act and chapter that you determine can only be the current act/chapter (act {{current_act}}, chapter {{current_chapter}}) or the next act/chapter{{next_position}}, it cannot be any other value. The story is not going to jump around to different act/chapters. This story proceeds linearly.\n" +
	"   - Review the storyline context below to understand the overall story arc.\n" +
	"   - Assess whether the current event matches the goal of the current chapter.\n" +
	"   - If the chapter goal has been achieved, advance to the next chapter.\n" +
	"   - If all chapters in an act are complete, advance to the next act.\n" +
	"   - Always return a current act and chapter number. If you don't know where the story is, return the last known act and chapter.\n" +
	"   - Never jump ahead more than one chapter or act at a time.\n" +
	"   - Return the appropriate act and chapter numbers.\n\n" +
	"{{storyline_context}}" +
	"### Character Summary Format (value must be a single markdown string)\n" +
	"```\n" +
	"### <CharacterName>\n" +
	"**Summary:** 2 to 4 sentences blending prior essence + new developments (holistic, up-to-date view).\n\n" +
	"**Facts:**\n" +
	"- <atomic fact> (confidence: high|medium|low)\n" +
	"- <atomic fact> (confidence: ...)\n\n" +
	"**Stable Traits:** brave negotiator, lockpicking novice\n\n" +
	"**Goals:**\n" +
	"- Short-term: <goal1>, <goal2>\n" +
	"- Long-term: <goal1>, <goal2>\n\n" +
	"**Relationships:**\n" +
	"- <OtherCharacter>: <relationship update or null>\n\n" +
	"**Status:**\n" +
	"- Location: <where>\n" +
	"- Conditions: [wounded, fatigued]\n" +
	"- Reputation changes: [owed favor by X]\n\n" +
	"```\n\n" +
	"### JSON Schema (do not alter key names)\n" +
	"{\n" +
	"  \"summarized_event\": {\n" +
	"    \"involved_characters\": [\"<CharacterName>\", \"<CharacterName>\"],\n" +
	"    \"event_summary\": \"<1 to 2 sentences>\",\n" +
	"    \"event_title\": \"<short title>\",\n" +
	"    \"updated_character_summaries\": {\n" +
	"      \"<CharacterName>\": \"<markdown dossier as described above>\",\n" +
	"      \"<CharacterName>\": \"<markdown dossier as described above>\"\n" +
	"    },\n" +
	"    \"updated_world_state\": \"<describe net new world changes; if none, repeat prior world state>\",\n" +
	"    \"location\": \"<The location where the event took place, if applicable>\",\n" +
	"    \"current_act\": <act number (integer)>,\n" +
	"    \"current_chapter\": <chapter number (integer)>\n" +
	"  }\n" +
	"}\n\n" +
	"### Input\n" +
	"## Player input\n{{player_input}}\n\n" +
	"## StoryOS response\n{{narration}}\n\n" +
	"### Additional Requirements\n" +
	"- Output **valid JSON only**.\n" +
	"- Do not invent character names.\n" +
	"- Each `updated_character_summaries` value must be holistic, markdown-formatted, and reflect both historical info and the new changes.\n" +
	"- Do not copy large spans of narrative text. Extract only relevant facts.\n"
