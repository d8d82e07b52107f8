package soundcord

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSessionHandler captures interaction responses. Everything
// else panics if touched.
type recordingSessionHandler struct {
	DiscordSessionHandler
	responses []*discordgo.InteractionResponse
}

func (s *recordingSessionHandler) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	s.responses = append(s.responses, resp)
	return nil
}

func TestMemberFromInteraction(t *testing.T) {
	t.Parallel()

	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			GuildID: "guild-1",
			Member: &discordgo.Member{
				User:        &discordgo.User{ID: "user-1"},
				Roles:       []string{"role-a"},
				Permissions: discordgo.PermissionAdministrator,
			},
		},
	}
	member := memberFromInteraction(i)
	require.NotNil(t, member)
	assert.Equal(t, "user-1", member.UserID)
	assert.Equal(t, "guild-1", member.GuildID)
	assert.Equal(t, []string{"role-a"}, member.RoleIDs)
	assert.True(t, member.Admin)

	// Not an administrator
	i.Member.Permissions = discordgo.PermissionSendMessages
	member = memberFromInteraction(i)
	require.NotNil(t, member)
	assert.False(t, member.Admin)

	// DM interactions carry no member
	dm := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			User: &discordgo.User{ID: "user-1"},
		},
	}
	assert.Nil(t, memberFromInteraction(dm))
}

func TestGetDiscordUser(t *testing.T) {
	t.Parallel()

	guild := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Member: &discordgo.Member{User: &discordgo.User{ID: "member-user"}},
		},
	}
	user := getDiscordUser(guild)
	require.NotNil(t, user)
	assert.Equal(t, "member-user", user.ID)

	dm := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			User: &discordgo.User{ID: "dm-user"},
		},
	}
	user = getDiscordUser(dm)
	require.NotNil(t, user)
	assert.Equal(t, "dm-user", user.ID)
}

func TestCommandOptions(t *testing.T) {
	t.Parallel()

	flat := discordgo.ApplicationCommandInteractionData{
		Name: cmdPlay,
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			{
				Name:  soundOptionName,
				Type:  discordgo.ApplicationCommandOptionString,
				Value: "airhorn",
			},
		},
	}
	sub, opts := commandOptions(flat)
	assert.Empty(t, sub)
	require.Contains(t, opts, soundOptionName)
	assert.Equal(t, "airhorn", opts[soundOptionName].StringValue())

	nested := discordgo.ApplicationCommandInteractionData{
		Name: cmdSound,
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			{
				Name: "remove",
				Type: discordgo.ApplicationCommandOptionSubCommand,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{
						Name:  soundOptionName,
						Type:  discordgo.ApplicationCommandOptionString,
						Value: "airhorn",
					},
				},
			},
		},
	}
	sub, opts = commandOptions(nested)
	assert.Equal(t, "remove", sub)
	require.Contains(t, opts, soundOptionName)
}

func TestApplicationCommands(t *testing.T) {
	t.Parallel()

	commands := applicationCommands()
	names := make(map[string]bool, len(commands))
	for _, c := range commands {
		names[c.Name] = true
	}
	for _, expected := range []string{
		cmdPlay,
		cmdSounds,
		cmdSound,
		cmdVolume,
		cmdJoinSound,
		cmdStop,
	} {
		assert.Truef(t, names[expected], "missing command %q", expected)
	}
}

func TestPlayResultMessage(t *testing.T) {
	t.Parallel()

	d := newDiscord(&DiscordConfig{ErrorMessage: "oops"})
	sound := &Sound{Command: "airhorn"}

	assert.Equal(
		t,
		"oops",
		d.playResultMessage(sound, PlayResult{}, errors.New("boom")),
	)
	assert.Equal(
		t,
		"User can not play sounds",
		d.playResultMessage(sound, PlayResult{Denied: "User can not play sounds"}, nil),
	)
	assert.Equal(
		t,
		"`airhorn` was cut off by another sound.",
		d.playResultMessage(sound, PlayResult{Played: true, Superseded: true}, nil),
	)
	assert.Equal(
		t,
		"Played `airhorn`!",
		d.playResultMessage(sound, PlayResult{Played: true}, nil),
	)
}

func TestHandleStopRequiresManage(t *testing.T) {
	t.Parallel()

	cfg := validTestConfig()
	db, writeDB := testDB(t)
	logger := slog.New(newLogHandler(cfg.LogLevel))

	bot := &Soundcord{config: cfg, db: db, writeDB: writeDB, logger: logger}
	bot.guilds = NewGuildStore(db, writeDB, logger)
	bot.sounds = NewSoundLibrary(db, writeDB, testSoundConfig(t), logger)
	bot.voice = NewVoiceManager(
		newFakeTransport(),
		&fakeAnalyzer{mean: -18},
		bot.sounds,
		bot.guilds,
		bot.guilds,
		logger,
	)

	rec := &recordingSessionHandler{}
	d := newDiscord(cfg.Discord)
	d.logger = logger
	d.bot = bot
	d.session = rec

	interaction := func(permissions int64) *discordgo.InteractionCreate {
		return &discordgo.InteractionCreate{
			Interaction: &discordgo.Interaction{
				GuildID: "guild-1",
				Member: &discordgo.Member{
					User:        &discordgo.User{ID: "user-1"},
					Permissions: permissions,
				},
			},
		}
	}

	// A member who can only play sounds can't disconnect the bot
	d.handleStop(context.Background(), interaction(discordgo.PermissionSendMessages))
	require.Len(t, rec.responses, 1)
	assert.Equal(
		t,
		"You can not stop playback here.",
		rec.responses[0].Data.Content,
	)

	d.handleStop(context.Background(), interaction(discordgo.PermissionAdministrator))
	require.Len(t, rec.responses, 2)
	assert.Equal(t, "Stopped.", rec.responses[1].Data.Content)
}

func TestSessionSetLogLevel(t *testing.T) {
	t.Parallel()

	disc, err := discordgo.New("Bot test")
	require.NoError(t, err)
	session := DiscordSession{session: disc}

	require.NoError(t, session.SetLogLevel(levelVar(DefaultLogLevel).Level()))
	assert.Equal(t, discordgo.LogInformational, disc.LogLevel)

	assert.Error(t, session.SetLogLevel(12))
}
